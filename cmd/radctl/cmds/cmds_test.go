package cmds

import (
	"testing"
)

func TestParseRedirects(t *testing.T) {
	testCases := []struct {
		in     []string
		tgt    [3]string
		tgterr string
	}{
		{
			[]string{"one.txt"},
			[3]string{"one.txt", "", ""},
			"",
		},
		{
			[]string{"one.txt", "two.txt"},
			[3]string{},
			"redirect error: stdin redirected twice",
		},
		{
			[]string{"stdout:one.txt"},
			[3]string{"", "one.txt", ""},
			"",
		},
		{
			[]string{"stdout:one.txt", "stderr:two.txt", "stdin:three.txt"},
			[3]string{"three.txt", "one.txt", "two.txt"},
			"",
		},
		{
			[]string{"stdout:one.txt", "stderr:two.txt", "three.txt"},
			[3]string{"three.txt", "one.txt", "two.txt"},
			"",
		},
	}

	for _, tc := range testCases {
		t.Logf("input: %q", tc.in)
		out, err := parseRedirects(tc.in)
		t.Logf("output: %q error %v", out, err)
		if tc.tgterr != "" {
			if err == nil {
				t.Errorf("Expected error %q, got output %q", tc.tgterr, out)
			} else if errstr := err.Error(); errstr != tc.tgterr {
				t.Errorf("Expected error %q, got error %q", tc.tgterr, errstr)
			}
		} else {
			for i := range tc.tgt {
				if tc.tgt[i] != out[i] {
					t.Errorf("Expected %q, got %q (mismatch at index %d)", tc.tgt, out, i)
					break
				}
			}
		}
	}
}

func TestParseRedirectsTwice(t *testing.T) {
	_, err := parseRedirects([]string{"stderr:a.txt", "stderr:b.txt"})
	if err == nil || err.Error() != "redirect error: stderr redirected twice" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestTargetStdioTTY(t *testing.T) {
	defer func(r []string, tt string, p bool) { redirects, tty, allocPty = r, tt, p }(redirects, tty, allocPty)

	redirects, tty, allocPty = []string{"stdout:out.txt"}, "/dev/pts/9", false
	stdio, cleanup, err := targetStdio()
	if err != nil {
		t.Fatal(err)
	}
	cleanup()
	if stdio != [3]string{"/dev/pts/9", "out.txt", "/dev/pts/9"} {
		t.Errorf("unexpected stdio %q", stdio)
	}

	allocPty = true
	if _, _, err := targetStdio(); err == nil {
		t.Errorf("--tty together with --pty should fail")
	}
}

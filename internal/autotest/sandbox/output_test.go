package sandbox

import (
	"bytes"
	"strings"
	"testing"
)

func TestOutputLimiterTruncatesOnce(t *testing.T) {
	cases := []struct {
		name   string
		limit  int
		chunks []string
		want   string
	}{
		{name: "unlimited", limit: 0, chunks: []string{"abc", "def"}, want: "abcdef"},
		{name: "exactly at limit", limit: 6, chunks: []string{"abc", "def"}, want: "abcdef"},
		{name: "one byte over", limit: 5, chunks: []string{"abc", "def"}, want: "abcde" + TruncatedMarker},
		{name: "limit hit then more", limit: 3, chunks: []string{"abc", "d", "efg"}, want: "abc" + TruncatedMarker},
		{name: "single large chunk", limit: 4, chunks: []string{strings.Repeat("x", 100)}, want: "xxxx" + TruncatedMarker},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got bytes.Buffer
			sink := newOutputLimiter(tc.limit).wrap(func(b []byte) { got.Write(b) })
			for _, c := range tc.chunks {
				sink([]byte(c))
			}
			if got.String() != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got.String())
			}
		})
	}
}

func TestOutputLimiterSharedBetweenStreams(t *testing.T) {
	limiter := newOutputLimiter(4)
	var out, errOut bytes.Buffer
	stdout := limiter.wrap(func(b []byte) { out.Write(b) })
	stderr := limiter.wrap(func(b []byte) { errOut.Write(b) })

	stdout([]byte("ab"))
	stderr([]byte("cd"))
	stdout([]byte("e"))
	stderr([]byte("f"))

	if out.String() != "ab"+TruncatedMarker {
		t.Fatalf("unexpected stdout %q", out.String())
	}
	if errOut.String() != "cd" {
		t.Fatalf("unexpected stderr %q", errOut.String())
	}
	if !limiter.Truncated() {
		t.Fatalf("expected limiter to report truncation")
	}
}

func TestEnvForStudent(t *testing.T) {
	env := envFor(StudentUser)
	joined := strings.Join(env, "\n")
	for _, want := range []string{"USER=autotest", "LOGUSER=autotest", "HOME=/home/autotest", StudentDir, FixturesDir} {
		if !strings.Contains(joined, want) {
			t.Fatalf("student env missing %q: %v", want, env)
		}
	}
	if !strings.HasPrefix(env[0], "PATH=/home/autotest/bin:/home/autotest/.pyenv/bin:/home/autotest/.local/bin:") {
		t.Fatalf("student PATH should start with the per-user tool dirs: %s", env[0])
	}
	root := strings.Join(envFor(""), "\n")
	if !strings.Contains(root, "HOME=/root") {
		t.Fatalf("unexpected root env: %s", root)
	}
	for _, want := range []string{"/root/.local/bin", "/home/autotest/.pyenv/bin", "/home/autotest/.local/bin"} {
		if !strings.Contains(root, want) {
			t.Fatalf("root PATH missing %q: %s", want, root)
		}
	}
}

package postproc

import (
	"context"
	"testing"
)

func TestDefaultChain(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "trims whitespace", in: "  hello  \n", want: "hello"},
		{name: "collapses blank runs", in: "a\n\n\n\nb", want: "a\n\nb"},
		{name: "leaves clean text alone", in: "plain answer", want: "plain answer"},
		{name: "empty input", in: "", want: ""},
	}
	p := Default()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := p.Process(context.Background(), tc.in, "s1")
			if err != nil {
				t.Fatalf("process: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestChain_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Default().Process(ctx, "text", "s1"); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

package mfa

import (
	"bufio"
	"context"
	"fmt"
	"io"
)

// Prompter asks an operator for the code on a terminal. Concurrent
// sessions take turns so prompts do not interleave.
type Prompter struct {
	lines <-chan string
	out   io.Writer
	turn  chan struct{}
}

// NewPrompter reads lines from in and writes prompts to out.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	turn := make(chan struct{}, 1)
	turn <- struct{}{}
	return &Prompter{lines: lines, out: out, turn: turn}
}

// AwaitCode implements CodeProvider.
func (p *Prompter) AwaitCode(ctx context.Context, ch Challenge) (string, error) {
	select {
	case <-p.turn:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { p.turn <- struct{}{} }()

	fmt.Fprint(p.out, promptFor(ch))

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(p.out)
			return "", ctx.Err()
		case line, ok := <-p.lines:
			if !ok {
				return "", ErrNoCode
			}
			if code := Clean(line); code != "" {
				return code, nil
			}
			fmt.Fprint(p.out, promptFor(ch))
		}
	}
}

var _ CodeProvider = (*Prompter)(nil)

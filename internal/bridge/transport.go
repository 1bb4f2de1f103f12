package bridge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/codetether/codetether/internal/codec"
)

// InboundMessage is one operator message arriving from the chat front-end.
type InboundMessage struct {
	// Operator is the sender's stable identity on the front-end; the auth
	// gate admits operators, not messages.
	Operator string
	Text     string
}

// Transport is the chat front-end boundary. The bridge never talks to a
// chat network directly; it drives whatever implements this.
type Transport interface {
	// Messages yields inbound operator messages. Closing the channel
	// shuts the bridge down.
	Messages() <-chan InboundMessage
	// Send delivers plain text to the operator.
	Send(ctx context.Context, text string) error
	// SendMarkup delivers HTML-formatted text. Implementations without a
	// markup renderer may degrade it; an error makes the bridge retry the
	// message as plain text.
	SendMarkup(ctx context.Context, html string) error
}

// ConsoleTransport drives the bridge from a terminal: one line in, one
// message out. It backs local use and manual testing.
type ConsoleTransport struct {
	out  io.Writer
	msgs chan InboundMessage
}

// NewConsoleTransport starts reading lines from in. The operator identity
// is fixed; a console has exactly one.
func NewConsoleTransport(in io.Reader, out io.Writer) *ConsoleTransport {
	t := &ConsoleTransport{out: out, msgs: make(chan InboundMessage)}
	go t.readLines(in)
	return t
}

func (t *ConsoleTransport) readLines(in io.Reader) {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		t.msgs <- InboundMessage{Operator: "console", Text: line}
	}
	close(t.msgs)
}

func (t *ConsoleTransport) Messages() <-chan InboundMessage { return t.msgs }

func (t *ConsoleTransport) Send(_ context.Context, text string) error {
	_, err := fmt.Fprintln(t.out, text)
	return err
}

// SendMarkup prints the stripped plain form; a terminal has no HTML
// renderer.
func (t *ConsoleTransport) SendMarkup(ctx context.Context, html string) error {
	return t.Send(ctx, codec.StripMarkup(html))
}

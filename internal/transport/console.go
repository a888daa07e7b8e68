package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/HerbHall/bote/pkg/plugin"
)

var _ Source = (*Console)(nil)

// Console reads one update per line from r and writes replies to w. Lines
// starting with "/" get a leading command entity over their first word.
type Console struct {
	r        io.Reader
	w        io.Writer
	chatID   int64
	senderID int64

	mu     sync.Mutex // guards w
	nextID atomic.Int64
}

// NewConsole creates a console source speaking as senderID in chatID.
func NewConsole(r io.Reader, w io.Writer, chatID, senderID int64) *Console {
	return &Console{r: r, w: w, chatID: chatID, senderID: senderID}
}

// Run scans lines until EOF or ctx is done.
func (c *Console) Run(ctx context.Context, out chan<- Inbound) error {
	sc := bufio.NewScanner(c.r)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		select {
		case out <- Inbound{Update: c.update(line), Responder: c}:
		case <-ctx.Done():
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("console: %w", err)
	}
	return nil
}

func (c *Console) update(line string) plugin.Update {
	u := plugin.Update{
		Text:      line,
		ChatID:    c.chatID,
		SenderID:  c.senderID,
		MessageID: c.nextID.Add(1),
	}
	if strings.HasPrefix(line, "/") {
		first, _, _ := strings.Cut(line, " ")
		u.Entities = []plugin.Entity{{
			Kind:   plugin.EntityCommand,
			Offset: 0,
			Length: utf8.RuneCountInString(first),
		}}
	}
	return u
}

// Reply writes text to the console output.
func (c *Console) Reply(_ context.Context, _, _ int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, "< %s\n", text)
	return err
}

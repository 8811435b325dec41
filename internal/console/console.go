// Package console renders projector views as plain text lines.
package console

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/ashureev/casedesk/internal/channel"
	"github.com/ashureev/casedesk/internal/desk"
	"github.com/ashureev/casedesk/internal/domain"
	"github.com/ashureev/casedesk/internal/projector"
	"github.com/ashureev/casedesk/internal/wire"
)

// FormatMessage renders one transcript line.
func FormatMessage(m domain.Message) string {
	who := m.SenderLabel
	if who == "" {
		who = string(m.Origin)
	}
	pending := ""
	if m.ID == 0 {
		pending = " (sending)"
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.Timestamp.Local().Format("15:04:05"), who, m.Content, pending)
}

// FormatBoard renders the three status groups.
func FormatBoard(g wire.Grouped) string {
	var b strings.Builder
	section := func(title string, convs []domain.Conversation) {
		fmt.Fprintf(&b, "%s (%d)\n", title, len(convs))
		for _, c := range convs {
			label := c.CustomerLabel
			if label == "" {
				label = "-"
			}
			line := fmt.Sprintf("  %s  %s  %s  %d msgs", c.ID, label, c.ProblemLabel, len(c.Messages))
			if c.HandoffAdminID != "" {
				line += "  admin=" + c.HandoffAdminID
			}
			b.WriteString(strings.TrimRight(line, " ") + "\n")
		}
	}
	section("OPEN", g.Open)
	section("REQUIRES HUMAN", g.RequiresHuman)
	section("CLOSED", g.Closed)
	return b.String()
}

func messageKey(m domain.Message) string {
	if m.LocalID != "" {
		return "l:" + m.LocalID
	}
	return "i:" + strconv.FormatInt(m.ID, 10)
}

// TranscriptPrinter is a projector.Observer that prints each message of one
// conversation once, plus status and connectivity changes.
type TranscriptPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	id     string
	seen   map[string]bool
	status domain.Status
	admin  string
	state  channel.State
}

// NewTranscriptPrinter prints conversationID to out.
func NewTranscriptPrinter(out io.Writer, conversationID string) *TranscriptPrinter {
	return &TranscriptPrinter{out: out, id: conversationID, seen: make(map[string]bool)}
}

// Seed marks conv as already shown, printing it first. Used to repaint a
// cached snapshot before the server answers.
func (p *TranscriptPrinter) Seed(conv domain.Conversation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.print(conv)
}

// Refresh implements projector.Observer.
func (p *TranscriptPrinter) Refresh(proj *projector.Projector, ev desk.Event) {
	if ev.ConversationID != "" && ev.ConversationID != p.id {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Kind {
	case desk.EventConnectivity:
		if ev.State != p.state {
			p.state = ev.State
			fmt.Fprintf(p.out, "-- %s --\n", ev.State)
		}
		return
	case desk.EventSendFailed:
		fmt.Fprintf(p.out, "!! not sent: %s (%v)\n", ev.Message.Content, ev.Err)
	}

	conv, ok := proj.Transcript(p.id)
	if !ok {
		return
	}
	p.print(conv)
}

// print must be called with p.mu held.
func (p *TranscriptPrinter) print(conv domain.Conversation) {
	for _, m := range conv.Messages {
		// A confirmed entry may reach us before its optimistic twin was seen.
		k := messageKey(m)
		if p.seen[k] || (m.ID != 0 && p.seen["i:"+strconv.FormatInt(m.ID, 10)]) {
			continue
		}
		p.seen[k] = true
		if m.ID != 0 {
			p.seen["i:"+strconv.FormatInt(m.ID, 10)] = true
		}
		fmt.Fprintln(p.out, FormatMessage(m))
	}
	if conv.Status != p.status || conv.HandoffAdminID != p.admin {
		if p.status != "" || conv.Status != domain.StatusOpen {
			line := "== " + string(conv.Status)
			if conv.HandoffAdminID != "" {
				line += " (" + conv.HandoffAdminID + ")"
			}
			fmt.Fprintln(p.out, line+" ==")
		}
		p.status = conv.Status
		p.admin = conv.HandoffAdminID
	}
}

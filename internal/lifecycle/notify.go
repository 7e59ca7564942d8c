package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/remiblancher/qpki-ra/internal/catalog"
	"github.com/remiblancher/qpki-ra/internal/dn"
	"github.com/remiblancher/qpki-ra/internal/endentity"
	"github.com/remiblancher/qpki-ra/internal/profile"
)

// Notification recipients.
const (
	RecipientUser   = "USER"
	RecipientCustom = "CUSTOM:"
)

// notify sends the profile notifications configured for the current status
// of e. Failures are logged and counted, never returned.
func (w *Workflow) notify(ctx context.Context, e *endentity.EndEntity, p *profile.Profile, password string) {
	if w.notifier == nil || !e.SendNotification {
		return
	}
	for _, n := range p.Notifications {
		if !hasEvent(n.Events, e.Status) {
			continue
		}
		recipients, err := w.recipients(ctx, n.Recipient, e)
		if err == nil {
			r := substitutions(e, password)
			err = w.notifier.Send(ctx, Message{
				Recipients: recipients,
				Sender:     n.Sender,
				Subject:    r.Replace(n.Subject),
				Body:       r.Replace(n.Message),
			})
		}
		if err != nil {
			w.logger.Error("failed to send notification",
				"username", e.Username, "status", e.Status, "recipient", n.Recipient, "error", err)
			w.metrics.NotificationFailed()
		}
	}
}

func hasEvent(events []string, s endentity.Status) bool {
	for _, ev := range events {
		if strings.EqualFold(strings.TrimSpace(ev), string(s)) {
			return true
		}
	}
	return false
}

func (w *Workflow) recipients(ctx context.Context, spec string, e *endentity.EndEntity) ([]string, error) {
	spec = strings.TrimSpace(spec)
	switch {
	case spec == RecipientUser:
		if e.Email == "" {
			return nil, fmt.Errorf("end entity has no e-mail address")
		}
		return []string{e.Email}, nil
	case strings.HasPrefix(spec, RecipientCustom):
		name := strings.TrimPrefix(spec, RecipientCustom)
		r, ok := w.resolvers[name]
		if !ok {
			return nil, fmt.Errorf("no recipient resolver %q", name)
		}
		return r.Recipients(ctx, e)
	}
	var out []string
	for _, addr := range strings.FieldsFunc(spec, func(r rune) bool { return r == ';' || r == ',' }) {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty notification recipient")
	}
	return out, nil
}

func substitutions(e *endentity.EndEntity, password string) *strings.Replacer {
	var cn string
	if n, err := dn.ParseSubjectDN(e.SubjectDN, dn.ParseOptions{AllowMultiValueRDN: true}); err == nil {
		cn = n.First(catalog.CommonName)
	}
	return strings.NewReplacer(
		"${USERNAME}", e.Username,
		"${CN}", cn,
		"${STATUS}", string(e.Status),
		"${PASSWORD}", password,
		"${EMAIL}", e.Email,
	)
}

// print sends user data to the printer when e enters a status that prints.
func (w *Workflow) print(ctx context.Context, e *endentity.EndEntity, p *profile.Profile) {
	if w.printer == nil || !p.Printing.Use || !endentity.PrintsUserData(e.Status) {
		return
	}
	if err := w.printer.Print(ctx, e, p.Printing); err != nil {
		w.logger.Error("failed to print user data", "username", e.Username, "status", e.Status, "error", err)
		w.metrics.NotificationFailed()
	}
}

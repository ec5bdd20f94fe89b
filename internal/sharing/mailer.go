package sharing

import (
	"context"

	"github.com/agentworkforce/relayshare/internal/logging"
)

// Invitation is the mail sent to a recipient of a new sharing. Link points to
// the owner's discovery page for the member's state.
type Invitation struct {
	SharingID   string
	Description string
	OwnerName   string
	To          string
	PublicName  string
	Link        string
}

type Mailer interface {
	SendInvitation(ctx context.Context, inv Invitation) error
}

// LogMailer writes invitations to the log instead of sending mail.
type LogMailer struct {
	Logger logging.Logger
}

func (m LogMailer) SendInvitation(_ context.Context, inv Invitation) error {
	logger := m.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger.Info("sharing invitation", "sharing", inv.SharingID, "to", inv.To, "link", inv.Link)
	return nil
}

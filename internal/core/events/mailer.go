// internal/core/events/mailer.go
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/flowflex/stagecondition/internal/actions"
)

// Mail is the wire form of one notification.
type Mail struct {
	To                string `json:"to"`
	CaseID            int64  `json:"caseId"`
	CaseName          string `json:"caseName"`
	PreviousStageName string `json:"previousStageName"`
	CurrentStageName  string `json:"currentStageName"`
	CaseURL           string `json:"caseUrl,omitempty"`
	Subject           string `json:"subject"`
	Body              string `json:"body"`
}

// Mailer implements actions.Mailer by queueing each notification on
// TopicNotifications for the mail service.
type Mailer struct {
	pub message.Publisher
}

var _ actions.Mailer = (*Mailer)(nil)

// NewMailer returns a mailer publishing to pub.
func NewMailer(pub message.Publisher) *Mailer {
	return &Mailer{pub: pub}
}

// SendStageNotification reports true once the message is accepted by the
// broker.
func (m *Mailer) SendStageNotification(ctx context.Context, n actions.Notification) (bool, error) {
	body, err := json.Marshal(Mail{
		To:                n.To,
		CaseID:            int64(n.CaseID),
		CaseName:          n.CaseName,
		PreviousStageName: n.PreviousStageName,
		CurrentStageName:  n.CurrentStageName,
		CaseURL:           n.CaseURL,
		Subject:           n.Subject,
		Body:              n.Body,
	})
	if err != nil {
		return false, fmt.Errorf("encode notification: %w", err)
	}

	msg := message.NewMessage(watermill.NewULID(), body)
	msg.Metadata.Set(MetaKind, KindNotification)
	msg.Metadata.Set(MetaCaseID, strconv.FormatInt(int64(n.CaseID), 10))
	msg.SetContext(ctx)

	if err := m.pub.Publish(TopicNotifications, msg); err != nil {
		return false, fmt.Errorf("queue notification to %s: %w", n.To, err)
	}
	return true, nil
}

package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phishsim/models"
	"phishsim/utils"
)

// recordingDispatcher captures every message handed to it and fails on
// demand, standing in for the SMTP path.
type recordingDispatcher struct {
	messages []utils.OutboundMessage
	err      error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, _ *models.SMTPConfig, msg utils.OutboundMessage) (*utils.DeliveryResult, error) {
	d.messages = append(d.messages, msg)
	if d.err != nil {
		return nil, d.err
	}
	return &utils.DeliveryResult{MessageID: "msg-1", Accepted: true}, nil
}

func TestRenderCampaignMail(t *testing.T) {
	tpl := &models.Template{
		Subject:            "Payroll update",
		EmailHTML:          `<html><body><p>Hello {{TARGET_NAME}}</p><a href="#">Review</a></body></html>`,
		ReplaceFirstAnchor: true,
	}
	project := &models.Project{TrainingLinkToken: "train-1"}
	pt := &models.ProjectTarget{
		TrackingToken: "tok-1",
		Target:        models.Target{FullName: "Ada Example", Email: "ada@example.com"},
	}

	html, err := renderCampaignMail(tpl, project, pt, "http://phish.test")
	require.NoError(t, err)

	// The CTA points at the landing page, the pixel at the open endpoint
	assert.Contains(t, html, `href="http://phish.test/p/tok-1"`)
	assert.Contains(t, html, `src="http://phish.test/p/tok-1/open"`)
	assert.Contains(t, html, "Hello Ada Example")
	assert.NotContains(t, html, "{{")
}

func TestRenderCampaignMailNoCTA(t *testing.T) {
	tpl := &models.Template{
		EmailHTML:          `<html><body><p>No link here</p></body></html>`,
		ReplaceFirstAnchor: true,
	}
	project := &models.Project{TrainingLinkToken: "train-1"}
	pt := &models.ProjectTarget{TrackingToken: "tok-1"}

	_, err := renderCampaignMail(tpl, project, pt, "http://phish.test")
	assert.Error(t, err)
}

func TestSendOutcomeUpdates(t *testing.T) {
	now := time.Now().UTC()

	d := &recordingDispatcher{}
	result, err := d.Dispatch(context.Background(), &models.SMTPConfig{}, utils.OutboundMessage{To: "a@example.com"})
	require.NoError(t, err)
	require.Len(t, d.messages, 1)
	assert.Equal(t, "a@example.com", d.messages[0].To)

	updates := sendOutcomeUpdates(result, err, now)
	assert.Equal(t, now, updates["sent_at"])
	assert.Equal(t, "msg-1", updates["message_id"])
	assert.Equal(t, "", updates["send_error"])

	failing := &recordingDispatcher{err: &utils.DeliveryError{
		Kind:    utils.DeliveryErrConnection,
		Message: "Could not connect to the SMTP server",
	}}
	result, err = failing.Dispatch(context.Background(), &models.SMTPConfig{}, utils.OutboundMessage{To: "b@example.com"})
	require.Error(t, err)

	updates = sendOutcomeUpdates(result, err, now)
	assert.Equal(t, "Could not connect to the SMTP server", updates["send_error"])
	_, hasSentAt := updates["sent_at"]
	assert.False(t, hasSentAt, "failed sends stay pending for the next run")
}

func TestTestOutcomeBookkeeping(t *testing.T) {
	now := time.Now().UTC()

	book := testOutcomeBookkeeping(nil, now)
	assert.Equal(t, now, book["last_tested_at"])
	assert.Equal(t, models.TestStatusSuccess, book["last_test_status"])
	assert.Equal(t, "", book["last_test_error"])

	sendErr := &utils.DeliveryError{
		Kind:    utils.DeliveryErrAuth,
		Message: "The SMTP server rejected the configured credentials",
	}
	book = testOutcomeBookkeeping(sendErr, now)
	assert.Equal(t, now, book["last_tested_at"], "failures still record the attempt")
	assert.Equal(t, models.TestStatusFailed, book["last_test_status"])
	assert.Equal(t, sendErr.Message, book["last_test_error"])
}

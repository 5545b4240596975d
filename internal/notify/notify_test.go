package notify_test

import (
	"context"
	"errors"
	"testing"

	"github.com/fleetwatch/core/internal/notify"
	"github.com/fleetwatch/core/internal/store"
)

type fakeSettings struct {
	notif store.NotificationSettings
	svc   store.ServiceSettings
}

func (f *fakeSettings) GetNotificationSettings(context.Context, string) (store.NotificationSettings, error) {
	return f.notif, nil
}

func (f *fakeSettings) GetServiceSettings(context.Context, string) (store.ServiceSettings, error) {
	return f.svc, nil
}

type sendStateCall struct {
	svc   store.ServiceType
	state store.SendState
}

type fakeState struct {
	calls []sendStateCall
}

func (f *fakeState) SetSendState(_ context.Context, _ store.AlertScope, _, _ string, svc store.ServiceType, state store.SendState) error {
	f.calls = append(f.calls, sendStateCall{svc: svc, state: state})
	return nil
}

type fakeChannel struct {
	svc      store.ServiceType
	fail     bool
	attempts int
}

func (c *fakeChannel) Service() store.ServiceType { return c.svc }

func (c *fakeChannel) Send(context.Context, []string, notify.Payload) error {
	c.attempts++
	if c.fail {
		return errors.New("boom")
	}
	return nil
}

func baseAlert() store.Alert {
	return store.Alert{
		AlertID:        "alert-1",
		OrganizationID: "org-1",
		Scope:          store.ScopeNode,
		MachineID:      "machine-1",
		NodeName:       "node-1",
		Kind:           store.AlertNodeNotResponding,
	}
}

func TestDispatchSkipsWhenKindNotDeliverable(t *testing.T) {
	settings := &fakeSettings{
		notif: store.NotificationSettings{DeliverableKinds: []store.AlertKind{store.AlertNoMetrics}},
		svc:   store.ServiceSettings{EmailRecipients: []string{"a@example.com"}},
	}
	state := &fakeState{}
	email := &fakeChannel{svc: store.ServiceEmail}
	d := notify.New(settings, state, []notify.Channel{email})

	if err := d.Dispatch(context.Background(), baseAlert()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if email.attempts != 0 {
		t.Errorf("email attempts = %d, want 0 (kind not deliverable)", email.attempts)
	}
	if len(state.calls) != 0 {
		t.Errorf("send-state calls = %v, want none", state.calls)
	}
}

func TestDispatchSkipsDisabledChannel(t *testing.T) {
	settings := &fakeSettings{
		notif: store.NotificationSettings{
			DeliverableKinds: []store.AlertKind{store.AlertNodeNotResponding},
			EmailEnabled:     false,
		},
		svc: store.ServiceSettings{EmailRecipients: []string{"a@example.com"}},
	}
	state := &fakeState{}
	email := &fakeChannel{svc: store.ServiceEmail}
	d := notify.New(settings, state, []notify.Channel{email})

	_ = d.Dispatch(context.Background(), baseAlert())
	if email.attempts != 0 {
		t.Errorf("email attempts = %d, want 0 (channel disabled)", email.attempts)
	}
}

func TestDispatchIsIdempotentOnSendSuccess(t *testing.T) {
	settings := &fakeSettings{
		notif: store.NotificationSettings{
			DeliverableKinds: []store.AlertKind{store.AlertNodeNotResponding},
			EmailEnabled:     true,
		},
		svc: store.ServiceSettings{EmailRecipients: []string{"a@example.com"}},
	}
	state := &fakeState{}
	email := &fakeChannel{svc: store.ServiceEmail}
	d := notify.New(settings, state, []notify.Channel{email})

	a := baseAlert()
	a.SendStateEmail = store.SendStateSuccess
	_ = d.Dispatch(context.Background(), a)

	if email.attempts != 0 {
		t.Errorf("email attempts = %d, want 0 (already send_success)", email.attempts)
	}
}

func TestDispatchChannelFailureDoesNotBlockOthers(t *testing.T) {
	settings := &fakeSettings{
		notif: store.NotificationSettings{
			DeliverableKinds: []store.AlertKind{store.AlertNodeNotResponding},
			EmailEnabled:     true,
			TelegramEnabled:  true,
		},
		svc: store.ServiceSettings{
			EmailRecipients: []string{"a@example.com"},
			TelegramChatIDs: []string{"123"},
		},
	}
	state := &fakeState{}
	email := &fakeChannel{svc: store.ServiceEmail, fail: true}
	tg := &fakeChannel{svc: store.ServiceTelegram}
	d := notify.New(settings, state, []notify.Channel{email, tg})

	if err := d.Dispatch(context.Background(), baseAlert()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if email.attempts == 0 {
		t.Error("email was never attempted")
	}
	if tg.attempts != 1 {
		t.Errorf("telegram attempts = %d, want 1 (must not be blocked by email failure)", tg.attempts)
	}

	var emailState, tgState store.SendState
	for _, c := range state.calls {
		switch c.svc {
		case store.ServiceEmail:
			emailState = c.state
		case store.ServiceTelegram:
			tgState = c.state
		}
	}
	if emailState != store.SendStateFailed {
		t.Errorf("email send state = %s, want send_failed", emailState)
	}
	if tgState != store.SendStateSuccess {
		t.Errorf("telegram send state = %s, want send_success", tgState)
	}
}

func TestDispatchRetriesBeforeRecordingFailure(t *testing.T) {
	settings := &fakeSettings{
		notif: store.NotificationSettings{
			DeliverableKinds: []store.AlertKind{store.AlertNodeNotResponding},
			EmailEnabled:     true,
		},
		svc: store.ServiceSettings{EmailRecipients: []string{"a@example.com"}},
	}
	state := &fakeState{}
	email := &fakeChannel{svc: store.ServiceEmail, fail: true}
	d := notify.New(settings, state, []notify.Channel{email})

	_ = d.Dispatch(context.Background(), baseAlert())

	if email.attempts != 3 {
		t.Errorf("email attempts = %d, want 3 (§4.6: 3 total attempts)", email.attempts)
	}
}

func TestTemplatesSelectionOrder(t *testing.T) {
	templates := notify.NewTemplates()
	if err := templates.SetGenericTemplate("generic: {{.Kind}}"); err != nil {
		t.Fatalf("SetGenericTemplate: %v", err)
	}

	a := baseAlert()
	a.Kind = store.AlertCustom
	a.Payload = []byte(`"custom text"`)

	// No kind-specific template registered for AlertCustom: falls back to
	// generic.
	got := templates.Render(a)
	if got == "" {
		t.Fatal("Render returned empty string")
	}

	if err := templates.SetKindTemplate(store.AlertCustom, "kind-specific"); err != nil {
		t.Fatalf("SetKindTemplate: %v", err)
	}
	got = templates.Render(a)
	if got != "kind-specific" {
		t.Errorf("Render = %q, want kind-specific template to win over generic", got)
	}
}

func TestDefaultTemplatesCoverEveryAlertKind(t *testing.T) {
	templates := notify.DefaultTemplates()
	kinds := []store.AlertKind{
		store.AlertNodeNotResponding, store.AlertMachineNotResponding, store.AlertClientNotResponding,
		store.AlertIdleMachine, store.AlertNodeNeedsUpdate, store.AlertNodeNeedsImmediateUpdate,
		store.AlertUnregisteredFromActiveSet, store.AlertNoChainInfo, store.AlertNoMetrics,
		store.AlertHardwareOverThreshold, store.AlertLowPerformance, store.AlertCustom,
	}
	for _, k := range kinds {
		a := baseAlert()
		a.Kind = k
		if got := templates.Render(a); got == "" {
			t.Errorf("Render(%s) returned empty string", k)
		}
	}
}

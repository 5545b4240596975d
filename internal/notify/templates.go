package notify

import (
	"bytes"
	"text/template"

	"github.com/fleetwatch/core/internal/store"
)

// builtinTemplate is the last-resort rendering when neither a kind-specific
// nor a generic template is configured (Open Question decision, spec §9:
// kind-specific → generic → built-in minimal).
const builtinTemplate = `{{if .Resolved}}RESOLVED{{else}}ALERT{{end}}: {{.Kind}} ({{.AlertID}})`

// Templates holds the per-kind and generic message templates a dispatcher
// renders alerts through. Construct with DefaultTemplates or build one by
// hand via NewTemplates for a custom set.
type Templates struct {
	byKind  map[store.AlertKind]*template.Template
	generic *template.Template
	builtin *template.Template
}

// DefaultTemplates returns the built-in templates shipped with the
// dispatcher: one human-readable line per alert kind, falling back to a
// generic line, falling back to builtinTemplate.
func DefaultTemplates() *Templates {
	t := NewTemplates()
	kindText := map[store.AlertKind]string{
		store.AlertNodeNotResponding:         `Node {{.NodeName}} on machine {{.MachineID}} has stopped responding.`,
		store.AlertMachineNotResponding:       `Machine {{.MachineID}} has stopped responding.`,
		store.AlertClientNotResponding:        `No client heartbeat received for organization {{.OrganizationID}}.`,
		store.AlertIdleMachine:                `Machine {{.MachineID}} is heartbeating but reports no nodes.`,
		store.AlertNodeNeedsUpdate:            `Node {{.NodeName}} on machine {{.MachineID}} is running an outdated image and should be updated.`,
		store.AlertNodeNeedsImmediateUpdate:   `Node {{.NodeName}} on machine {{.MachineID}} must be updated immediately: a breaking network change has already occurred.`,
		store.AlertUnregisteredFromActiveSet:  `Node {{.NodeName}} on machine {{.MachineID}} is no longer in the active set.`,
		store.AlertNoChainInfo:                `Node {{.NodeName}} on machine {{.MachineID}} has no chain configured.`,
		store.AlertNoMetrics:                  `Node {{.NodeName}} on machine {{.MachineID}} is running but reporting no metrics.`,
		store.AlertHardwareOverThreshold:      `Machine {{.MachineID}} has exceeded a hardware utilization threshold.`,
		store.AlertLowPerformance:             `Node {{.NodeName}} on machine {{.MachineID}} is performing below its expected floor.`,
		store.AlertCustom:                     `{{.Text}}`,
	}
	for kind, body := range kindText {
		_ = t.SetKindTemplate(kind, resolvedPrefix+body)
	}
	return t
}

const resolvedPrefix = `{{if .Resolved}}[RESOLVED] {{else}}[ALERT] {{end}}`

// NewTemplates returns an empty Templates set that always falls back to
// builtinTemplate; use SetKindTemplate/SetGenericTemplate to populate it.
func NewTemplates() *Templates {
	return &Templates{
		byKind:  map[store.AlertKind]*template.Template{},
		builtin: template.Must(template.New("builtin").Parse(builtinTemplate)),
	}
}

// SetKindTemplate registers a template body for a specific alert kind.
func (t *Templates) SetKindTemplate(kind store.AlertKind, body string) error {
	tmpl, err := template.New(string(kind)).Parse(body)
	if err != nil {
		return err
	}
	t.byKind[kind] = tmpl
	return nil
}

// SetGenericTemplate registers the fallback template used for any kind
// without its own entry.
func (t *Templates) SetGenericTemplate(body string) error {
	tmpl, err := template.New("generic").Parse(body)
	if err != nil {
		return err
	}
	t.generic = tmpl
	return nil
}

// Render selects kind-specific → generic → built-in minimal, in that
// order, and executes the chosen template against a.
func (t *Templates) Render(a store.Alert) string {
	view := struct {
		store.Alert
		Resolved bool
		Text     string
	}{Alert: a, Resolved: a.ResolvedAt != nil, Text: string(a.Payload)}

	tmpl := t.builtin
	if kindTmpl, ok := t.byKind[a.Kind]; ok {
		tmpl = kindTmpl
	} else if t.generic != nil {
		tmpl = t.generic
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, view); err != nil {
		return string(builtinFallback(a))
	}
	return buf.String()
}

func builtinFallback(a store.Alert) []byte {
	return []byte(string(a.Kind) + " " + a.AlertID)
}

package messaging

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
)

var templates = template.Must(template.New("messages").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(`
{{define "send_loa"}}Hi {{.ClientName}}, your Letter of Authority for {{.ProviderName}} is ready to sign. Please sign and return it so we can request your policy information. {{.AdvisorName}}{{end}}
{{define "signature_reminder"}}Hi {{.ClientName}}, a quick reminder that your Letter of Authority for {{.ProviderName}} is still waiting for your signature ({{.DaysInState}} days so far).{{template "missing" .}} {{.AdvisorName}}{{end}}
{{define "document_resubmit"}}Hi {{.ClientName}}, we could not accept a document you sent: {{join .RejectionReasons "; "}}. Could you send a clearer copy?{{template "missing" .}} {{.AdvisorName}}{{end}}
{{define "missing"}}{{if .MissingDocuments}} We are also still waiting for: {{join .MissingDocuments "; "}}.{{end}}{{end}}
{{define "information_received"}}Hi {{.ClientName}}, good news: {{.ProviderName}} has sent the information we asked for. We will be in touch with next steps. {{.AdvisorName}}{{end}}
{{define "provider_chase"}}Dear {{.ProviderName}}, we are following up on the Letter of Authority for case {{.CaseID}}, submitted {{.DaysInState}} days ago{{if gt .DaysPastSLA 0}} and now {{.DaysPastSLA}} days past your service level{{end}}. Please confirm the status and expected date for the requested information. Regards, {{.AdvisorName}}{{end}}
`))

// Template renders fixed wording. It never fails for a known purpose and
// serves as the offline generator.
type Template struct{}

func (Template) Generate(_ context.Context, req Request) (string, error) {
	if req.ClientName == "" {
		req.ClientName = "there"
	}
	if req.ProviderName == "" {
		req.ProviderName = req.ProviderID
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, string(req.Purpose), req); err != nil {
		return "", fmt.Errorf("render %s: %w", req.Purpose, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

package notify

import (
	"bytes"
	"encoding/json"
	"html/template"
	"strings"
	"time"
)

const (
	noOutputText     = "No output data available"
	unknownErrorText = "Unknown error occurred during execution"
)

const layout = `<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<title>{{.Title}}</title>
<style>
body{background:#0d0d0d;font-family:'Segoe UI',Tahoma,Geneva,Verdana,sans-serif;font-size:16px;line-height:1.6;color:#fff;margin:0;padding:20px}
.container{max-width:600px;margin:0 auto;background:#141414;border-radius:20px;border:1px solid #2a2a2a;overflow:hidden}
.header{background:{{.Accent}};padding:30px 20px;text-align:center}
.header h1{margin:0;font-size:26px}
.content{padding:32px 28px}
.workflow-name{font-size:20px;font-weight:600;margin:12px 0}
.stat{color:#bbb;font-size:14px}
pre{background:#0b0b0b;border:1px solid #2a2a2a;border-radius:10px;padding:14px;white-space:pre-wrap;word-break:break-word;color:#e0e0e0}
.footer{padding:18px;text-align:center;color:#777;font-size:12px}
</style>
</head>
<body>
<div class="container">
<div class="header"><h1>{{.Title}}</h1></div>
<div class="content">
<p>{{.Greeting}}</p>
<div class="workflow-name">{{.WorkflowName}}</div>
{{- if .When}}
<p class="stat">Scheduled time: {{.When}}</p>
{{- end}}
{{- if .Elapsed}}
<p class="stat">Execution time: {{.Elapsed}}</p>
{{- end}}
<p>{{.Lead}}</p>
{{- if .BlockLabel}}
<p class="stat">{{.BlockLabel}}</p>
<pre>{{.Block}}</pre>
{{- end}}
</div>
<div class="footer">This is an automated message from your workflow scheduler.</div>
</div>
</body>
</html>
`

var mailTmpl = template.Must(template.New("mail").Parse(layout))

type mailView struct {
	Title        string
	Accent       template.CSS
	Greeting     string
	WorkflowName string
	When         string
	Elapsed      string
	Lead         string
	BlockLabel   string
	Block        string
}

func render(v mailView) (string, error) {
	var buf bytes.Buffer
	if err := mailTmpl.Execute(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// FormatScheduledTime renders t the way the starting notice shows it.
func FormatScheduledTime(t time.Time) string {
	return t.Format("Monday, January 2, 2006 at 3:04 PM MST")
}

func RenderStarting(userName, workflowName, scheduledTime string) (string, error) {
	return render(mailView{
		Title:        "Workflow Execution Starting",
		Accent:       "linear-gradient(135deg,#0fdbff 0%,#1e2a78 100%)",
		Greeting:     "Hello " + userName + ",",
		WorkflowName: workflowName,
		When:         scheduledTime,
		Lead:         "Your scheduled workflow is about to run. We will let you know how it went if completion notices are enabled.",
	})
}

func RenderCompleted(userName, workflowName, elapsed string, output json.RawMessage) (string, error) {
	return render(mailView{
		Title:        "Workflow Completed",
		Accent:       "linear-gradient(135deg,#00c853 0%,#1b5e20 100%)",
		Greeting:     "Great news, " + userName + "!",
		WorkflowName: workflowName,
		Elapsed:      orUnknown(elapsed),
		Lead:         "Your workflow finished successfully.",
		BlockLabel:   "Workflow Output",
		Block:        FormatOutput(output),
	})
}

func RenderFailed(userName, workflowName, elapsed, errMsg string) (string, error) {
	if strings.TrimSpace(errMsg) == "" {
		errMsg = unknownErrorText
	}
	return render(mailView{
		Title:        "Workflow Failed",
		Accent:       "linear-gradient(135deg,#ff1744 0%,#7f0000 100%)",
		Greeting:     "Hello " + userName + ",",
		WorkflowName: workflowName,
		Elapsed:      orUnknown(elapsed),
		Lead:         "Your workflow could not be completed.",
		BlockLabel:   "Error Details",
		Block:        errMsg,
	})
}

// FormatOutput pretty-prints a JSON result. A JSON string is shown bare.
func FormatOutput(output json.RawMessage) string {
	raw := bytes.TrimSpace(output)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return noOutputText
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return noOutputText
		}
		return s
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Unknown"
	}
	return s
}

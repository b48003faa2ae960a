package taskfile

import (
	"strings"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/relaypath/fleetssh/internal/hoststring"
)

// TemplateContext is what a task's command template sees: the fields a
// HostString actually carries, plus any keyword arguments passed to the
// task.
type TemplateContext struct {
	Host string
	User string
	Port int
	Args map[string]any
}

func contextFrom(hs hoststring.HostString, args map[string]any) TemplateContext {
	return TemplateContext{Host: hs.Host, User: hs.User, Port: hs.Port, Args: args}
}

var titleCaser = cases.Title(language.English)

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"title": titleCaser.String,
		"trim":  strings.TrimSpace,
	}
}

// RenderCommand executes a text/template command string against hs and the
// task's keyword arguments, letting a task body write a command once and
// have it adapt per host, e.g. "systemctl restart {{.Args.service}}" or
// "echo hello {{.User}}@{{.Host}}".
func RenderCommand(commandTemplate string, hs hoststring.HostString, args map[string]any) (string, error) {
	tmpl, err := template.New("command").Funcs(templateFuncs()).Parse(commandTemplate)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, contextFrom(hs, args)); err != nil {
		return "", err
	}
	return b.String(), nil
}

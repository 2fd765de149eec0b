// Package chattemplate formats a raw prompt into the chat markup a model
// family was trained on. Only the template kinds this core's models declare
// are built in; anything else is a configuration error rather than a silent
// passthrough, since generating against the wrong markup degrades output in
// ways that are hard to trace back here.
package chattemplate

import (
	"strings"
	"sync"
	"text/template"

	"github.com/wgpuinfer/core/errs"
)

// vars is the data a chat template renders: a single user turn. Multi-turn
// conversation assembly happens in the chat layer above this core; by the
// time a prompt reaches the pipeline it is one flattened user message.
type vars struct {
	Prompt string
}

var kinds = map[string]string{
	"chatml": "<|im_start|>user\n{{ .Prompt }}<|im_end|>\n<|im_start|>assistant\n",
	"llama3": "<|start_header_id|>user<|end_header_id|>\n\n{{ .Prompt }}<|eot_id|><|start_header_id|>assistant<|end_header_id|>\n\n",
	"gemma":  "<start_of_turn>user\n{{ .Prompt }}<end_of_turn>\n<start_of_turn>model\n",
	"phi3":   "<|user|>\n{{ .Prompt }}<|end|>\n<|assistant|>\n",
}

var compiled = sync.OnceValue(func() map[string]*template.Template {
	out := make(map[string]*template.Template, len(kinds))
	for name, text := range kinds {
		out[name] = template.Must(template.New(name).Parse(text))
	}
	return out
})

// Known reports whether kind names a built-in template.
func Known(kind string) bool {
	_, ok := kinds[kind]
	return ok
}

// Apply renders prompt through the template named by kind.
func Apply(kind, prompt string) (string, error) {
	tmpl, ok := compiled()[kind]
	if !ok {
		return "", errs.Newf(errs.InvalidConfig, "unknown chat template kind %q", kind).
			WithResource("chatTemplate")
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, vars{Prompt: prompt}); err != nil {
		return "", err
	}
	return sb.String(), nil
}

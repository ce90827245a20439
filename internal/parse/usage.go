package parse

import (
	"encoding/json"
	"regexp"
	"strconv"
)

// Usage is the normalized token-usage outcome.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  *int
	HasTotal     bool
}

type usageFields struct {
	InputTokens       *int64 `json:"input_tokens"`
	OutputTokens      *int64 `json:"output_tokens"`
	TotalTokens       *int64 `json:"total_tokens"`
	InputTokensCamel  *int64 `json:"inputTokens"`
	OutputTokensCamel *int64 `json:"outputTokens"`
	TotalTokensCamel  *int64 `json:"totalTokens"`
	PromptTokens      *int64 `json:"prompt_tokens"`
	CompletionTokens  *int64 `json:"completion_tokens"`
}

func (u usageFields) resolve() (in, out int64, total *int64) {
	switch {
	case u.InputTokens != nil || u.OutputTokens != nil:
		in, out = deref(u.InputTokens), deref(u.OutputTokens)
	case u.InputTokensCamel != nil || u.OutputTokensCamel != nil:
		in, out = deref(u.InputTokensCamel), deref(u.OutputTokensCamel)
	case u.PromptTokens != nil || u.CompletionTokens != nil:
		in, out = deref(u.PromptTokens), deref(u.CompletionTokens)
	}
	if u.TotalTokens != nil {
		total = u.TotalTokens
	} else if u.TotalTokensCamel != nil {
		total = u.TotalTokensCamel
	}
	return
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

var (
	reInputOutputEq  = regexp.MustCompile(`input=(\d+),?\s*output=(\d+)`)
	reInputOutputEng = regexp.MustCompile(`(\d+)\s+input tokens?,\s*(\d+)\s+output tokens?`)
	reInOut          = regexp.MustCompile(`(\d+)\s+in,\s*(\d+)\s+out`)
	rePromptCompletion = regexp.MustCompile(`prompt_tokens:\s*(\d+),\s*completion_tokens:\s*(\d+)`)
)

// ExtractUsage accepts multiple vendor conventions, in priority order:
// structured JSON "usage"/"stats" field, then free-text patterns. When both
// inputs resolve to zero, the result is absent.
func ExtractUsage(raw string) (Usage, bool) {
	if u, ok := extractStructuredUsage(raw); ok {
		return u, true
	}
	for _, re := range []*regexp.Regexp{reInputOutputEq, reInputOutputEng, reInOut, rePromptCompletion} {
		if m := re.FindStringSubmatch(raw); m != nil {
			in, _ := strconv.Atoi(m[1])
			out, _ := strconv.Atoi(m[2])
			if in == 0 && out == 0 {
				continue
			}
			return Usage{InputTokens: in, OutputTokens: out}, true
		}
	}
	return Usage{}, false
}

func extractStructuredUsage(raw string) (Usage, bool) {
	var envelope struct {
		Usage json.RawMessage `json:"usage"`
		Stats json.RawMessage `json:"stats"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return Usage{}, false
	}
	body := envelope.Usage
	if len(body) == 0 {
		body = envelope.Stats
	}
	if len(body) == 0 {
		return Usage{}, false
	}
	var fields usageFields
	if err := json.Unmarshal(body, &fields); err != nil {
		return Usage{}, false
	}
	in, out, total := fields.resolve()
	if in == 0 && out == 0 {
		return Usage{}, false
	}
	u := Usage{InputTokens: int(in), OutputTokens: int(out)}
	if total != nil {
		t := int(*total)
		u.TotalTokens = &t
		u.HasTotal = true
	}
	return u, true
}

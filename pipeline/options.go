package pipeline

import "context"

// Options are the recognized generate() options (§4.5). Pointer fields
// distinguish "caller didn't set this" from "caller explicitly asked
// for zero" (temperature 0 is a valid request for pure greedy decoding,
// distinct from an absent field defaulting to 0.7). Unrecognized keys
// in whatever wire format a caller decodes these from are simply never
// populated here.
type Options struct {
	MaxTokens         *int
	Temperature       *float32
	TopP              *float32
	TopK              *int
	RepetitionPenalty *float32
	StopSequences     []string
	UseSpeculative    bool
	UseChatTemplate   bool
	// SpeculativeK is how many tokens the draft model proposes per
	// speculative round (§4.6). Ignored unless UseSpeculative is set.
	SpeculativeK *int
	Cancel       context.Context
}

// resolved is Options after every recognized field has a concrete
// value, defaults applied.
type resolved struct {
	MaxTokens         int
	Temperature       float32
	TopP              float32
	TopK              int
	RepetitionPenalty float32
	StopSequences     []string
	UseSpeculative    bool
	UseChatTemplate   bool
	SpeculativeK      int
	Cancel            context.Context
}

func (o Options) resolve() resolved {
	r := resolved{
		MaxTokens:         512,
		Temperature:       0.7,
		TopP:              0.9,
		TopK:              40,
		RepetitionPenalty: 1.1,
		StopSequences:     o.StopSequences,
		UseSpeculative:    o.UseSpeculative,
		UseChatTemplate:   o.UseChatTemplate,
		SpeculativeK:      4,
		Cancel:            o.Cancel,
	}
	if o.MaxTokens != nil {
		r.MaxTokens = *o.MaxTokens
	}
	if o.Temperature != nil {
		r.Temperature = *o.Temperature
	}
	if o.TopP != nil {
		r.TopP = *o.TopP
	}
	if o.TopK != nil {
		r.TopK = *o.TopK
	}
	if o.RepetitionPenalty != nil {
		r.RepetitionPenalty = *o.RepetitionPenalty
	}
	if o.SpeculativeK != nil {
		r.SpeculativeK = *o.SpeculativeK
	}
	return r
}

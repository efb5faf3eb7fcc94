package inference

import "fmt"

// Profile holds the generation options sent with every request.
type Profile struct {
	NumCtx        int     `json:"num_ctx"`
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"top_p"`
	NumPredict    int     `json:"num_predict"`
	RepeatPenalty float64 `json:"repeat_penalty"`
	TopK          int     `json:"top_k"`
}

var profiles = map[string]Profile{
	"default": {
		NumCtx:        131072,
		Temperature:   0.2,
		TopP:          0.9,
		NumPredict:    4096,
		RepeatPenalty: 1.1,
		TopK:          40,
	},
	"largeDocs": {
		NumCtx:        131072,
		Temperature:   0.1,
		TopP:          0.85,
		NumPredict:    6144,
		RepeatPenalty: 1.15,
		TopK:          30,
	},
	"fast": {
		NumCtx:        32768,
		Temperature:   0.1,
		TopP:          0.8,
		NumPredict:    2048,
		RepeatPenalty: 1.0,
		TopK:          20,
	},
}

// ProfileByName returns the named profile: fast, default or largeDocs.
func ProfileByName(name string) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown model profile %q", name)
	}
	return p, nil
}

// withMaxTokens returns p with NumPredict capped at n.
func (p Profile) withMaxTokens(n int) Profile {
	if n > 0 && (p.NumPredict == 0 || n < p.NumPredict) {
		p.NumPredict = n
	}
	return p
}

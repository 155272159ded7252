package ollama

import (
	"context"
	"fmt"
	"io"
	"time"
)

// EnsureModel checks that Ollama is running and the embedding model is
// available, pulling it when missing with progress written to w. It then
// embeds a probe string and returns the model's output dimension so callers
// can compare it with the configured one.
func EnsureModel(ctx context.Context, c *Client, model string, w io.Writer) (int, error) {
	if !c.IsRunning(ctx) {
		return 0, fmt.Errorf("Ollama is not running. Start it with: ollama serve")
	}

	if c.HasModel(ctx, model) {
		fmt.Fprintf(w, "model %s: ready\n", model)
	} else {
		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := c.PullModel(ctx, model, func(p PullProgress) {
			if p.Total > 0 {
				pct := float64(p.Completed) / float64(p.Total) * 100
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return 0, fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	vec, err := c.Embed(probeCtx, model, "ping")
	if err != nil {
		return 0, fmt.Errorf("probing model %s: %w", model, err)
	}
	return len(vec), nil
}

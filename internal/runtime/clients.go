package runtime

import (
	"fmt"

	"github.com/graphide/graphide/internal/agent"
	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/core/ports"
	"github.com/graphide/graphide/internal/knowledge"
	"github.com/graphide/graphide/internal/pipeline"
	"github.com/graphide/graphide/internal/pkg/config"
	"github.com/graphide/graphide/internal/report"
	"github.com/graphide/graphide/internal/verify"
	"github.com/graphide/graphide/internal/visualize"
)

// Stage client types accepted in pipeline.stages.<name>.type.
const (
	ClientModel      = "model"
	ClientWebhook    = "webhook"
	ClientKnowledge  = "knowledge"
	ClientLocal      = "local"
	ClientTreeSitter = "treesitter"
	ClientMarkdown   = "markdown"
	ClientNone       = "none"
)

// bindClients binds a client for every configured stage onto clients.
// Existing bindings are replaced, so a reload takes effect for the next
// stage call.
func (s *Service) bindClients(clients *pipeline.Clients, cfg config.StagesConfig) error {
	for _, stage := range domain.ClientStages {
		st, _ := cfg.Stage(string(stage))
		client, err := s.stageClient(stage, st)
		if err != nil {
			return err
		}
		if client == nil {
			continue
		}
		clients.Bind(stage, client, st.Timeout)
	}
	return nil
}

// stageClient builds the client st describes, or nil when the stage is
// disabled.
func (s *Service) stageClient(stage domain.StageName, st config.StageConfig) (ports.StageClient, error) {
	limiter := pipeline.NewLimiter(st.Rate, st.Burst)
	var opts []pipeline.LocalOption
	if limiter != nil {
		opts = append(opts, pipeline.WithLimiter(limiter))
	}

	switch st.Type {
	case "", ClientNone:
		return nil, nil

	case ClientWebhook:
		return pipeline.NewWebhookClient(pipeline.WebhookClientConfig{
			Stage:      stage,
			URL:        st.URL,
			Headers:    webhookHeaders(st),
			Limiter:    limiter,
			HTTPClient: s.httpClient,
		}), nil

	case ClientModel:
		model := agent.NewModel(agent.ModelConfig{
			BaseURL:         st.URL,
			APIKey:          st.APIKey,
			Model:           st.Model,
			MaxPromptTokens: st.MaxPromptTokens,
			HTTPClient:      s.httpClient,
			Logger:          s.logger,
		})
		switch stage {
		case domain.StageQueryGen:
			return agent.NewQueryGenerator(model).Client(opts...), nil
		case domain.StageDetect:
			return agent.NewDetector(model).Client(opts...), nil
		case domain.StageChat:
			return agent.NewChat(model).Client(opts...), nil
		}

	case ClientKnowledge:
		if stage == domain.StageEnrich {
			catalog := knowledge.DefaultCatalog()
			if st.Catalog != "" {
				var err error
				if catalog, err = knowledge.LoadCatalog(st.Catalog); err != nil {
					return nil, fmt.Errorf("stage %s: %w", stage, err)
				}
			}
			return knowledge.NewEnricher(catalog).Client(opts...), nil
		}

	case ClientLocal:
		if stage == domain.StageVisualize {
			vopts := []visualize.Option{visualize.WithLogger(s.logger)}
			if s.graphs != nil {
				vopts = append(vopts, visualize.WithGraphStore(s.graphs))
			}
			return visualize.New(vopts...).Client(opts...), nil
		}

	case ClientTreeSitter:
		if stage == domain.StageVerify {
			return verify.New().Client(opts...), nil
		}

	case ClientMarkdown:
		if stage == domain.StageReport {
			return report.New().Client(opts...), nil
		}
	}
	return nil, fmt.Errorf("stage %s does not support client type %q", stage, st.Type)
}

// webhookHeaders adds the stage API key as a bearer token unless an
// Authorization header is configured explicitly.
func webhookHeaders(st config.StageConfig) map[string]string {
	headers := make(map[string]string, len(st.Headers)+1)
	for k, v := range st.Headers {
		headers[k] = v
	}
	if st.APIKey != "" {
		if _, ok := headers["Authorization"]; !ok {
			headers["Authorization"] = "Bearer " + st.APIKey
		}
	}
	return headers
}

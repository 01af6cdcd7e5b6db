package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/dealdesk/dealdesk/internal/logger"
	"github.com/dealdesk/dealdesk/internal/pipeline"
)

// SeedCmd loads a YAML pipeline template into an organization. Useful
// for bootstrapping new tenants with a standard board layout.
type SeedCmd struct {
	OrgID uuid.UUID `help:"organization to seed" required:""`
	File  string    `help:"path to the pipeline template YAML" arg:""`

	StoreType     string             `help:"store type (memory or postgres)" default:"postgres" env:"DEALDESK_STORE_TYPE" enum:"memory,postgres"`
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`
}

type pipelineTemplate struct {
	Pipelines []struct {
		Name    string `yaml:"name"`
		Default bool   `yaml:"default"`
		Stages  []struct {
			Name        string `yaml:"name"`
			Color       string `yaml:"color"`
			Probability *int   `yaml:"probability"`
			Final       bool   `yaml:"final"`
		} `yaml:"stages"`
	} `yaml:"pipelines"`
}

func (c *SeedCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)
	ctx := context.Background()

	data, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("failed to read template: %w", err)
	}

	var tmpl pipelineTemplate
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}
	if len(tmpl.Pipelines) == 0 {
		return fmt.Errorf("template %s contains no pipelines", c.File)
	}

	st, err := buildStores(ctx, c.StoreType, c.PostgresStore)
	if err != nil {
		return err
	}
	defer st.close()

	registry := pipeline.NewRegistry(st.pipelines)

	for i, pt := range tmpl.Pipelines {
		p, err := registry.CreatePipeline(ctx, c.OrgID, pipeline.CreatePipelineInput{
			Name:      pt.Name,
			IsDefault: pt.Default,
			Position:  i,
		})
		if err != nil {
			return fmt.Errorf("failed to create pipeline %q: %w", pt.Name, err)
		}

		for _, stg := range pt.Stages {
			_, err := registry.CreateStage(ctx, c.OrgID, pipeline.CreateStageInput{
				PipelineID:  p.PipelineID,
				Name:        stg.Name,
				Color:       stg.Color,
				Probability: stg.Probability,
				IsFinal:     stg.Final,
			})
			if err != nil {
				return fmt.Errorf("failed to create stage %q on pipeline %q: %w", stg.Name, pt.Name, err)
			}
		}

		log.Info().
			Str("pipeline", pt.Name).
			Int("stages", len(pt.Stages)).
			Bool("default", pt.Default).
			Msg("Seeded pipeline")
	}

	return nil
}

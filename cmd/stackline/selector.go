package main

import (
	"github.com/spf13/cobra"

	"github.com/yairfalse/stackline/discovery"
	"github.com/yairfalse/stackline/internal/config"
	"github.com/yairfalse/stackline/manifest"
)

// selector holds the mutually exclusive ways to name a deployment.
type selector struct {
	manifest string
	deployID string
	project  string
}

func (s *selector) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&s.manifest, "manifest", "m", "", "Manifest file written by provision")
	cmd.Flags().StringVar(&s.deployID, "deploy-id", "", "DeployId tag value")
	cmd.Flags().StringVar(&s.project, "project", "", "Project tag value; must match exactly one deployment")
}

func (s *selector) resolve() (discovery.Mode, string, error) {
	set := 0
	for _, v := range []string{s.manifest, s.deployID, s.project} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return "", "", usageError("exactly one of --manifest, --deploy-id or --project is required")
	}

	switch {
	case s.manifest != "":
		return discovery.ByManifest, s.manifest, nil
	case s.deployID != "":
		return discovery.ByDeployID, s.deployID, nil
	default:
		return discovery.ByProject, s.project, nil
	}
}

// loadTarget loads config for a command acting on one deployment. A manifest
// pins the region its resources live in.
func loadTarget(cmd *cobra.Command, opts *globalOptions, sel *selector) (*config.Config, discovery.Mode, string, error) {
	mode, key, err := sel.resolve()
	if err != nil {
		return nil, "", "", err
	}

	cfg, err := loadConfig(cmd, opts, false)
	if err != nil {
		return nil, "", "", err
	}

	if mode == discovery.ByManifest {
		m, err := manifest.Read(key)
		if err != nil {
			return nil, "", "", err
		}
		cfg.AWS.Region = m.Region
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", "", usageError("invalid configuration: %v (use --region or set [aws].region)", err)
	}
	return cfg, mode, key, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yairfalse/stackline/bootstrap"
	"github.com/yairfalse/stackline/internal/config"
	"github.com/yairfalse/stackline/internal/history"
	"github.com/yairfalse/stackline/manifest"
	"github.com/yairfalse/stackline/provisioner"
	"github.com/yairfalse/stackline/types"
)

type provisionOptions struct {
	project      string
	networkCIDR  string
	subnetCIDR   string
	instanceType string
	imageID      string
	template     string
	secrets      []string
	output       string
}

func newProvisionCmd(opts *globalOptions) *cobra.Command {
	po := &provisionOptions{}

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create a new deployment of a project",
		Long: `Create the full topology for a new deployment of a project.

Every run gets a fresh DeployId (project + "-" + unix seconds) and writes a
manifest to the state directory. The IAM role, instance profile and secret
parameters are named after the project and reused when they already exist.

If a step fails nothing more is created; the manifest of what exists so far
is still written and the teardown command to clean it up is printed.`,
		Example: `  stackline provision --project demo --image ami-0abc --region eu-west-1
  stackline provision --project demo --secret db/password=env:DB_PASSWORD
  stackline provision --project demo -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvision(cmd, opts, po)
		},
	}

	cmd.Flags().StringVarP(&po.project, "project", "p", "", "Project name")
	cmd.Flags().StringVar(&po.networkCIDR, "network-cidr", "", "Network CIDR (overrides config)")
	cmd.Flags().StringVar(&po.subnetCIDR, "subnet-cidr", "", "Subnet CIDR (overrides config)")
	cmd.Flags().StringVar(&po.instanceType, "instance-type", "", "Instance type (overrides config)")
	cmd.Flags().StringVar(&po.imageID, "image", "", "Machine image id (overrides config)")
	cmd.Flags().StringVar(&po.template, "template", "", "Bootstrap template file (overrides config)")
	cmd.Flags().StringArrayVar(&po.secrets, "secret", nil, "Secret as category/kind=value; value env:NAME reads the environment")
	cmd.Flags().StringVarP(&po.output, "output", "o", "text", "Output format: text or json")

	return cmd
}

func runProvision(cmd *cobra.Command, opts *globalOptions, po *provisionOptions) error {
	if po.project == "" {
		return usageError("--project is required")
	}
	if po.output != "text" && po.output != "json" {
		return usageError("unknown output format %q", po.output)
	}
	cfg, err := loadConfig(cmd, opts, true)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	defer startTelemetry(ctx, opts, cfg)()

	spec, err := buildSpec(cfg, po)
	if err != nil {
		return err
	}

	provider, err := newProvider(ctx, opts, cfg, "")
	if err != nil {
		return err
	}

	p := provisioner.New(provider,
		provisioner.WithRetry(cfg.RetryPolicy()),
		provisioner.WithJournalDir(journalDir(cfg)),
	)

	var m *types.Manifest
	err = runInterruptible(ctx, func(ctx context.Context) error {
		var err error
		m, err = p.Provision(ctx, spec)
		return err
	})

	var pe *provisioner.ProvisionError
	if errors.As(err, &pe) {
		reportPartial(cmd, cfg, po, pe)
		return err
	}
	if err != nil {
		return err
	}

	path, err := saveManifest(cfg, m)
	if err != nil {
		return err
	}

	if po.output == "json" {
		return writeJSON(cmd.OutOrStdout(), m)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Deployment %s provisioned in %s\n", m.DeployID, m.Region)
	fmt.Fprintf(out, "  instance: %s\n", m.Resources.ComputeInstance)
	fmt.Fprintf(out, "  manifest: %s\n", path)
	fmt.Fprintf(out, "Tear down with: stackline teardown --manifest %s\n", path)
	return nil
}

// reportPartial saves and prints the manifest of what a failed run created.
// The manifest goes to stdout with -o json and to stderr otherwise, even when
// it is empty.
func reportPartial(cmd *cobra.Command, cfg *config.Config, po *provisionOptions, pe *provisioner.ProvisionError) {
	errOut := cmd.ErrOrStderr()
	remediation := pe.Remediation
	if !pe.Manifest.Resources.IsEmpty() || len(pe.Manifest.Secrets) > 0 {
		path, err := saveManifest(cfg, pe.Manifest)
		if err != nil {
			fmt.Fprintf(errOut, "failed to write partial manifest: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "Partial manifest: %s\n", path)
			remediation = "stackline teardown --manifest " + path
		}
	}

	out := errOut
	if po.output == "json" {
		out = cmd.OutOrStdout()
	}
	if err := writeJSON(out, pe.Manifest); err != nil {
		fmt.Fprintf(errOut, "failed to print partial manifest: %v\n", err)
	}
	fmt.Fprintf(errOut, "Clean up with: %s\n", remediation)
}

// buildSpec merges config defaults with flags.
func buildSpec(cfg *config.Config, po *provisionOptions) (provisioner.Spec, error) {
	spec := provisioner.Spec{
		Project:      po.project,
		Region:       cfg.AWS.Region,
		NetworkCIDR:  firstNonEmpty(po.networkCIDR, cfg.Provision.NetworkCIDR),
		SubnetCIDR:   firstNonEmpty(po.subnetCIDR, cfg.Provision.SubnetCIDR),
		InstanceType: firstNonEmpty(po.instanceType, cfg.Provision.InstanceType),
		ImageID:      firstNonEmpty(po.imageID, cfg.Provision.ImageID),
		Bootstrap: bootstrap.Input{
			Steps:     cfg.Provision.Steps,
			Artifacts: cfg.Provision.Artifacts,
			Retry:     cfg.RetryPolicy(),
		},
	}
	if spec.ImageID == "" {
		return spec, usageError("image id required: use --image or set [provision].image_id")
	}

	if tmpl := firstNonEmpty(po.template, cfg.Provision.Template); tmpl != "" {
		data, err := os.ReadFile(tmpl)
		if err != nil {
			return spec, usageError("read bootstrap template: %v", err)
		}
		spec.Bootstrap.Template = string(data)
	}

	for _, raw := range po.secrets {
		s, err := parseSecret(raw)
		if err != nil {
			return spec, usageError("%v", err)
		}
		spec.Secrets = append(spec.Secrets, s)
	}
	return spec, nil
}

// parseSecret parses category/kind=value.
func parseSecret(raw string) (provisioner.Secret, error) {
	ref, value, ok := strings.Cut(raw, "=")
	if !ok {
		return provisioner.Secret{}, fmt.Errorf("secret %q: want category/kind=value", raw)
	}
	category, kind, ok := strings.Cut(ref, "/")
	if !ok || category == "" || kind == "" {
		return provisioner.Secret{}, fmt.Errorf("secret %q: want category/kind=value", raw)
	}
	if name, fromEnv := strings.CutPrefix(value, "env:"); fromEnv {
		v, set := os.LookupEnv(name)
		if !set {
			return provisioner.Secret{}, fmt.Errorf("secret %s/%s: environment variable %s is not set", category, kind, name)
		}
		value = v
	}
	return provisioner.Secret{Category: category, Kind: kind, Value: value}, nil
}

func saveManifest(cfg *config.Config, m *types.Manifest) (string, error) {
	path := manifest.Path(manifestDir(cfg), m.DeployID)
	if err := manifest.Write(path, m); err != nil {
		return "", err
	}
	recordHistory(cfg, func(s *history.Store) error {
		_, err := s.RecordManifest(m)
		return err
	})
	return path, nil
}

func manifestDir(cfg *config.Config) string {
	return filepath.Join(cfg.State.Dir, "manifests")
}

func journalDir(cfg *config.Config) string {
	return filepath.Join(cfg.State.Dir, "journal")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

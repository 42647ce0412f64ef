package provisioner

import (
	"fmt"
	"net/netip"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/yairfalse/stackline/bootstrap"
	"github.com/yairfalse/stackline/types"
)

// Secret is one parameter stored under the project's secret prefix.
type Secret struct {
	Category string `validate:"required,alphanum"`
	Kind     string `validate:"required,alphanum"`
	Value    string `validate:"required"`
}

// Name returns the parameter name of the secret within project.
func (s Secret) Name(project string) string {
	return types.SecretName(project, s.Category, s.Kind)
}

// Spec describes one deployment to provision.
type Spec struct {
	Project      string   `validate:"required,project"`
	Region       string   `validate:"required"`
	NetworkCIDR  string   `validate:"required,cidrv4"`
	SubnetCIDR   string   `validate:"required,cidrv4"`
	InstanceType string   `validate:"required"`
	ImageID      string   `validate:"required"`
	Secrets      []Secret `validate:"dive"`

	// Bootstrap is rendered into the instance user data. Project, deployId,
	// region and secretPrefix are always available as template vars.
	Bootstrap bootstrap.Input `validate:"-"`
}

// projectPattern keeps names usable inside IAM names, parameter paths and tags.
var projectPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,30}[a-z0-9]$`)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("project", func(fl validator.FieldLevel) bool {
		return projectPattern.MatchString(fl.Field().String())
	})
	return v
}

// validate checks field rules and that the subnet lies inside the network.
func (p *Provisioner) validate(spec Spec) error {
	if err := p.validator.Struct(spec); err != nil {
		return err
	}

	network, err := netip.ParsePrefix(spec.NetworkCIDR)
	if err != nil {
		return fmt.Errorf("network cidr: %w", err)
	}
	subnet, err := netip.ParsePrefix(spec.SubnetCIDR)
	if err != nil {
		return fmt.Errorf("subnet cidr: %w", err)
	}
	network, subnet = network.Masked(), subnet.Masked()
	if subnet.Bits() < network.Bits() || !network.Contains(subnet.Addr()) {
		return fmt.Errorf("subnet %s is not inside network %s", spec.SubnetCIDR, spec.NetworkCIDR)
	}

	seen := make(map[string]bool, len(spec.Secrets))
	for _, s := range spec.Secrets {
		name := s.Name(spec.Project)
		if seen[name] {
			return fmt.Errorf("duplicate secret %s", name)
		}
		seen[name] = true
	}
	return nil
}

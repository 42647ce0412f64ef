// Package fake implements an in-memory CloudProvider for tests. It models
// live references between nodes so deleting a node that is still in use
// fails the way the real API does.
package fake

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/yairfalse/stackline/graph"
	"github.com/yairfalse/stackline/providers"
	"github.com/yairfalse/stackline/types"
)

// Resource is one live fake resource.
type Resource struct {
	Type        types.NodeType
	ID          string
	Name        string
	Tags        types.Tags
	Refs        []string
	SecretValue string
	UserData    []byte
	// Configured counts the Configure calls the node has received.
	Configured int
}

// Call records one provider invocation.
type Call struct {
	Op   string
	Type types.NodeType
	ID   string
}

type failure struct {
	op       string
	nodeType types.NodeType
	err      error
	times    int
}

// Cloud is a fake provider. The zero value is not usable; call New.
type Cloud struct {
	mu        sync.Mutex
	region    string
	seq       int
	resources map[string]*Resource
	failures  []*failure
	calls     []Call
}

var idPrefixes = map[types.NodeType]string{
	types.NodeNetwork:         "vpc-",
	types.NodeGateway:         "igw-",
	types.NodeSubnet:          "subnet-",
	types.NodeRouteTable:      "rtb-",
	types.NodeSecurityGroup:   "sg-",
	types.NodeComputeInstance: "i-",
}

// New creates an empty fake cloud.
func New(region string) *Cloud {
	return &Cloud{
		region:    region,
		resources: make(map[string]*Resource),
	}
}

var _ providers.CloudProvider = (*Cloud)(nil)

// Name returns the provider name
func (c *Cloud) Name() string { return "fake" }

// Region returns the fake region
func (c *Cloud) Region() string { return c.region }

// FailOn makes the next times calls of op on nodeType return err. times <= 0
// fails every call.
func (c *Cloud) FailOn(op string, nodeType types.NodeType, err error, times int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if times <= 0 {
		times = -1
	}
	c.failures = append(c.failures, &failure{op: op, nodeType: nodeType, err: err, times: times})
}

func (c *Cloud) injected(op string, nodeType types.NodeType) error {
	for _, f := range c.failures {
		if f.op != op || f.nodeType != nodeType {
			continue
		}
		if f.times == 0 {
			continue
		}
		if f.times > 0 {
			f.times--
		}
		return f.err
	}
	return nil
}

func (c *Cloud) record(op string, nodeType types.NodeType, id string) {
	c.calls = append(c.calls, Call{Op: op, Type: nodeType, ID: id})
}

// Create creates one fake node.
func (c *Cloud) Create(ctx context.Context, req types.CreateRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("create", req.Type, req.Name)

	if err := c.injected("create", req.Type); err != nil {
		return "", err
	}

	var id string
	if req.Type.IsUniquelyNamed() {
		if req.Name == "" {
			return "", providers.Permanent("create", req.Type, "", errors.New("name is required"))
		}
		if _, exists := c.resources[req.Name]; exists {
			return "", providers.Permanent("create", req.Type, req.Name, providers.ErrAlreadyExists)
		}
		id = req.Name
	} else {
		c.seq++
		id = fmt.Sprintf("%s%04d", idPrefixes[req.Type], c.seq)
	}

	var refs []string
	if node, ok := graph.Lookup(req.Type); ok {
		for _, dep := range node.DependsOn {
			if ref := req.Deps.Get(dep); ref != "" {
				if _, live := c.resources[ref]; !live {
					return "", providers.Permanent("create", req.Type, "", fmt.Errorf("dependency %s %s: %w", dep, ref, providers.ErrNotFound))
				}
				refs = append(refs, ref)
			}
		}
	}

	c.resources[id] = &Resource{
		Type:        req.Type,
		ID:          id,
		Name:        req.Name,
		Tags:        req.Tags,
		Refs:        refs,
		SecretValue: req.SecretValue,
		UserData:    req.UserData,
	}
	return id, nil
}

// Configure records that the node received its follow-up settings.
func (c *Cloud) Configure(ctx context.Context, req types.CreateRequest, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("configure", req.Type, id)

	if err := c.injected("configure", req.Type); err != nil {
		return err
	}
	r, ok := c.resources[id]
	if !ok || r.Type != req.Type {
		return fmt.Errorf("configure %s %s: %w", req.Type, id, providers.ErrNotFound)
	}
	r.Configured++
	return nil
}

// Lookup resolves a uniquely named node.
func (c *Cloud) Lookup(ctx context.Context, nodeType types.NodeType, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("lookup", nodeType, name)

	if err := c.injected("lookup", nodeType); err != nil {
		return "", err
	}
	r, ok := c.resources[name]
	if !ok || r.Type != nodeType {
		return "", fmt.Errorf("lookup %s %s: %w", nodeType, name, providers.ErrNotFound)
	}
	return r.ID, nil
}

// Tags returns the live tags of a node.
func (c *Cloud) Tags(ctx context.Context, nodeType types.NodeType, id string) (types.Tags, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("tags", nodeType, id)

	if err := c.injected("tags", nodeType); err != nil {
		return types.Tags{}, err
	}
	r, ok := c.resources[id]
	if !ok || r.Type != nodeType {
		return types.Tags{}, fmt.Errorf("describe %s %s: %w", nodeType, id, providers.ErrNotFound)
	}
	return r.Tags, nil
}

// Delete removes a node unless something live still references it.
func (c *Cloud) Delete(ctx context.Context, nodeType types.NodeType, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("delete", nodeType, id)

	if err := c.injected("delete", nodeType); err != nil {
		return err
	}
	r, ok := c.resources[id]
	if !ok || r.Type != nodeType {
		return fmt.Errorf("delete %s %s: %w", nodeType, id, providers.ErrNotFound)
	}
	for _, other := range c.resources {
		for _, ref := range other.Refs {
			if ref == id {
				return providers.Transient("delete", nodeType, id,
					fmt.Errorf("DependencyViolation: %s %s is still referenced by %s", nodeType, id, other.ID))
			}
		}
	}
	delete(c.resources, id)
	return nil
}

// FindByTag returns every node carrying key=value.
func (c *Cloud) FindByTag(ctx context.Context, key, value string) ([]types.TaggedResource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("find", "", key+"="+value)

	var found []types.TaggedResource
	for _, r := range c.resources {
		if r.Tags.Get(key) != value {
			continue
		}
		found = append(found, types.TaggedResource{Type: r.Type, ID: r.ID, Tags: r.Tags})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })
	return found, nil
}

// ListSecrets returns secret names under prefix.
func (c *Cloud) ListSecrets(ctx context.Context, prefix string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("list-secrets", types.NodeSecretParameter, prefix)

	if err := c.injected("list-secrets", types.NodeSecretParameter); err != nil {
		return nil, err
	}
	var names []string
	for _, r := range c.resources {
		if r.Type == types.NodeSecretParameter && strings.HasPrefix(r.ID, prefix) {
			names = append(names, r.ID)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Wait returns immediately; fake state changes are synchronous.
func (c *Cloud) Wait(ctx context.Context, nodeType types.NodeType, id string, state types.WaitState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("wait", nodeType, id)

	if err := c.injected("wait", nodeType); err != nil {
		return err
	}
	_, live := c.resources[id]
	if state == types.WaitRunning && !live {
		return fmt.Errorf("wait %s %s: %w", nodeType, id, providers.ErrNotFound)
	}
	return nil
}

// DeleteCommand renders a manual cleanup command.
func (c *Cloud) DeleteCommand(nodeType types.NodeType, id string) string {
	return fmt.Sprintf("fake delete %s %s", nodeType, id)
}

// Remove deletes a resource out of band, ignoring references.
func (c *Cloud) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.resources, id)
}

// Retag replaces the tags of a live resource.
func (c *Cloud) Retag(id string, tags types.Tags) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.resources[id]; ok {
		r.Tags = tags
	}
}

// Get returns a copy of a live resource.
func (c *Cloud) Get(id string) (Resource, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.resources[id]
	if !ok {
		return Resource{}, false
	}
	return *r, true
}

// Count returns the number of live resources of a type.
func (c *Cloud) Count(nodeType types.NodeType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.resources {
		if r.Type == nodeType {
			n++
		}
	}
	return n
}

// Len returns the number of live resources.
func (c *Cloud) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resources)
}

// Calls returns the recorded calls matching op.
func (c *Cloud) Calls(op string) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Call
	for _, call := range c.calls {
		if call.Op == op {
			out = append(out, call)
		}
	}
	return out
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

package netprobe

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/netdiag/netdiag/internal/action"
	nderr "github.com/netdiag/netdiag/pkg/errors"
)

// HostRecord is one inventory entry.
type HostRecord struct {
	Name     string            `yaml:"name"`
	Address  string            `yaml:"address"`
	Role     string            `yaml:"role,omitempty"`
	Site     string            `yaml:"site,omitempty"`
	Owner    string            `yaml:"owner,omitempty"`
	Services []ServiceRecord   `yaml:"services,omitempty"`
	Firewall []string          `yaml:"firewall,omitempty"`
	Labels   map[string]string `yaml:"labels,omitempty"`
}

// ServiceRecord is a listening service on a host.
type ServiceRecord struct {
	Name     string `yaml:"name"`
	Port     int    `yaml:"port"`
	Protocol string `yaml:"protocol,omitempty"`
}

type inventoryFile struct {
	Hosts []HostRecord `yaml:"hosts"`
}

// Inventory is a read-only host catalogue loaded from YAML.
type Inventory struct {
	hosts map[string]HostRecord
}

// LoadInventory reads a YAML inventory file of the form:
//
//	hosts:
//	  - name: db01
//	    address: 10.0.3.21
//	    services: [{name: postgres, port: 5432}]
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nderr.Wrapf(err, nderr.CodeActionInventoryReadFails, "reading inventory %s", path)
	}
	return ParseInventory(data)
}

// ParseInventory decodes YAML inventory data. Host names are matched
// case-insensitively and must be unique.
func ParseInventory(data []byte) (*Inventory, error) {
	var f inventoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nderr.Wrap(err, nderr.CodeActionInventoryReadFails, "parsing inventory")
	}
	inv := &Inventory{hosts: make(map[string]HostRecord, len(f.Hosts))}
	for i, h := range f.Hosts {
		if h.Name == "" {
			return nil, nderr.Errorf(nderr.CodeActionInventoryReadFails, "inventory host %d: name is required", i)
		}
		key := strings.ToLower(h.Name)
		if _, dup := inv.hosts[key]; dup {
			return nil, nderr.Errorf(nderr.CodeActionInventoryReadFails, "inventory host %q listed twice", h.Name)
		}
		inv.hosts[key] = h
	}
	return inv, nil
}

// Lookup finds a host by name or address.
func (inv *Inventory) Lookup(name string) (HostRecord, bool) {
	if h, ok := inv.hosts[strings.ToLower(name)]; ok {
		return h, true
	}
	for _, h := range inv.hosts {
		if h.Address != "" && h.Address == name {
			return h, true
		}
	}
	return HostRecord{}, false
}

// Len returns the number of hosts.
func (inv *Inventory) Len() int { return len(inv.hosts) }

func queryInventoryDefinition(timeout time.Duration) action.Definition {
	return action.Definition{
		Name:        "query_inventory",
		Description: "Look up hosts in the configuration inventory: address, role, owner, listening services and firewall notes.",
		Timeout:     timeout,
		Schema: &action.Schema{
			Type: action.TypeObject,
			Properties: map[string]*action.Schema{
				"hosts": {
					Type:        action.TypeArray,
					MaxItems:    20,
					Items:       &action.Schema{Type: action.TypeString, MaxLength: 255},
					Description: "Host names or addresses to look up",
				},
			},
			Required:             []string{"hosts"},
			AdditionalProperties: action.Closed(),
		},
	}
}

func queryInventory(inv *Inventory) action.Executor {
	return action.ExecutorFunc(func(_ context.Context, args map[string]any) (action.Result, error) {
		names := action.Strings(args, "hosts")
		var found []HostRecord
		var missing []string
		for _, n := range names {
			if h, ok := inv.Lookup(n); ok {
				found = append(found, h)
			} else {
				missing = append(missing, n)
			}
		}
		sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })

		out, err := yaml.Marshal(inventoryFile{Hosts: found})
		if err != nil {
			return action.Result{}, err
		}
		res := action.Result{Success: len(found) > 0, Output: string(out), ExitCode: exitCode(0)}
		if len(missing) > 0 {
			res.ErrorOutput = fmt.Sprintf("not in inventory: %s", strings.Join(missing, ", "))
		}
		if !res.Success {
			res.ExitCode = exitCode(1)
		}
		return res, nil
	})
}

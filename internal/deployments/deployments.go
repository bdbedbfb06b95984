// Package deployments persists records of deployed contracts as JSON files,
// one per deployment, so tools and the relay agree on delegate and token
// addresses per network.
package deployments

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ErrNotFound indicates no record exists for the requested contract/network.
var ErrNotFound = errors.New("deployments: record not found")

// Record describes one deployed contract.
type Record struct {
	ID         string         `json:"id"`
	Network    string         `json:"network"`
	ChainID    uint64         `json:"chainId"`
	Contract   string         `json:"contract"`
	Address    common.Address `json:"address"`
	TxHash     common.Hash    `json:"txHash"`
	DeployedAt time.Time      `json:"deployedAt"`
}

// Registry reads and writes deployment records under a base directory.
type Registry struct {
	dir string
}

// NewRegistry creates a registry rooted at dir, creating it if needed.
func NewRegistry(dir string) (*Registry, error) {
	if dir == "" {
		return nil, fmt.Errorf("deployments: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("deployments: creating %s: %w", dir, err)
	}
	return &Registry{dir: dir}, nil
}

// Save writes a new record for the contract on the network. A zero ID and
// DeployedAt are filled in; an existing record for the same contract/network
// pair is replaced.
func (r *Registry) Save(record Record) (Record, error) {
	if record.Contract == "" || record.Network == "" {
		return Record{}, fmt.Errorf("deployments: contract and network are required")
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.DeployedAt.IsZero() {
		record.DeployedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return Record{}, fmt.Errorf("deployments: encoding record: %w", err)
	}
	path := r.path(record.Network, record.Contract)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return Record{}, fmt.Errorf("deployments: writing %s: %w", path, err)
	}
	return record, nil
}

// Load reads the record for the contract on the network.
func (r *Registry) Load(network, contract string) (Record, error) {
	path := r.path(network, contract)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, fmt.Errorf("%w: %s on %s", ErrNotFound, contract, network)
		}
		return Record{}, fmt.Errorf("deployments: reading %s: %w", path, err)
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("deployments: decoding %s: %w", path, err)
	}
	return record, nil
}

// List returns all records under the registry, sorted by network then
// contract name.
func (r *Registry) List() ([]Record, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("deployments: listing %s: %w", r.dir, err)
	}
	var records []Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("deployments: reading %s: %w", entry.Name(), err)
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("deployments: decoding %s: %w", entry.Name(), err)
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Network != records[j].Network {
			return records[i].Network < records[j].Network
		}
		return records[i].Contract < records[j].Contract
	})
	return records, nil
}

func (r *Registry) path(network, contract string) string {
	name := fmt.Sprintf("%s-%s.json", slug(network), slug(contract))
	return filepath.Join(r.dir, name)
}

func slug(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "-"))
}

package state

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	daprc "github.com/dapr/go-sdk/client"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DaprStateClient is the part of the Dapr client the checkpoint store uses.
type DaprStateClient interface {
	GetState(ctx context.Context, storeName, key string, meta map[string]string) (*daprc.StateItem, error)
	SaveState(ctx context.Context, storeName, key string, data []byte, meta map[string]string, so ...daprc.StateOption) error
	Close()
}

// checkpointDocument is the value stored under the checkpoint key.
type checkpointDocument struct {
	LastChunk int       `json:"last_chunk"`
	UpdatedAt time.Time `json:"updated_at"`
}

// failureDocument holds the failure counts of every chunk up to the
// checkpoint, keyed by point index.
type failureDocument struct {
	Counts    map[int64]int `json:"counts"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func decodeFailureCounts(data []byte) (map[int64]int, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return map[int64]int{}, nil
	}
	var doc failureDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse failure counts: %w", err)
	}
	if doc.Counts == nil {
		doc.Counts = map[int64]int{}
	}
	return doc.Counts, nil
}

// DaprCheckpointStore keeps the checkpoint in a Dapr state store so a run
// can resume on a different host.
type DaprCheckpointStore struct {
	client    DaprStateClient
	storeName string
	key       string
}

// GetEnvValue returns the environment value for key or fallback when unset.
func GetEnvValue(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

// NewDaprCheckpointStore connects to the local Dapr sidecar.
func NewDaprCheckpointStore(storeName, key string) (*DaprCheckpointStore, error) {
	daprPort := GetEnvValue("DAPR_GRPC_PORT", "50001")

	conn, err := grpc.NewClient(
		net.JoinHostPort("127.0.0.1", daprPort),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	client := daprc.NewClientWithConnection(conn)
	log.Info().
		Str("port", daprPort).
		Str("store", storeName).
		Str("key", key).
		Msg("Using Dapr checkpoint store")

	return NewDaprCheckpointStoreWithClient(client, storeName, key), nil
}

// NewDaprCheckpointStoreWithClient wraps an existing client.
func NewDaprCheckpointStoreWithClient(client DaprStateClient, storeName, key string) *DaprCheckpointStore {
	return &DaprCheckpointStore{
		client:    client,
		storeName: storeName,
		key:       key,
	}
}

// Load implements CheckpointStore
func (s *DaprCheckpointStore) Load(ctx context.Context) (int, bool, error) {
	item, err := s.client.GetState(ctx, s.storeName, s.key, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to get checkpoint from dapr: %w", err)
	}
	if item == nil || len(item.Value) == 0 {
		return 0, false, nil
	}

	var doc checkpointDocument
	if err := json.Unmarshal(item.Value, &doc); err != nil {
		return 0, false, fmt.Errorf("failed to parse dapr checkpoint: %w", err)
	}
	return doc.LastChunk, true, nil
}

// Save implements CheckpointStore
func (s *DaprCheckpointStore) Save(ctx context.Context, chunk int) error {
	data, err := json.Marshal(checkpointDocument{LastChunk: chunk, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := s.client.SaveState(ctx, s.storeName, s.key, data, nil); err != nil {
		return fmt.Errorf("failed to save checkpoint to dapr: %w", err)
	}
	log.Debug().Str("key", s.key).Int("chunk", chunk).Msg("Checkpoint saved to Dapr")
	return nil
}

func (s *DaprCheckpointStore) failuresKey() string {
	return s.key + "/failures"
}

// LoadFailures implements CheckpointStore
func (s *DaprCheckpointStore) LoadFailures(ctx context.Context) (map[int64]int, error) {
	item, err := s.client.GetState(ctx, s.storeName, s.failuresKey(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get failure counts from dapr: %w", err)
	}
	if item == nil {
		return map[int64]int{}, nil
	}
	return decodeFailureCounts(item.Value)
}

// SaveFailures implements CheckpointStore
func (s *DaprCheckpointStore) SaveFailures(ctx context.Context, counts map[int64]int) error {
	data, err := json.Marshal(failureDocument{Counts: counts, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode failure counts: %w", err)
	}
	if err := s.client.SaveState(ctx, s.storeName, s.failuresKey(), data, nil); err != nil {
		return fmt.Errorf("failed to save failure counts to dapr: %w", err)
	}
	log.Debug().Str("key", s.failuresKey()).Int("entries", len(counts)).Msg("Failure counts saved to Dapr")
	return nil
}

// Close implements CheckpointStore
func (s *DaprCheckpointStore) Close() error {
	s.client.Close()
	return nil
}

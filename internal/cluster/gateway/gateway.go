// Package gateway persists cluster blocks that must survive a full cluster
// restart and restores them on start.
package gateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/shardrepl/internal/cluster"
)

const globalScope = "_global_"

var (
	blocksBucket = []byte("blocks")
	metaBucket   = []byte("meta")
	versionKey   = []byte("version")
)

// ErrCorrupt is returned when persisted data cannot be decoded.
var ErrCorrupt = errors.New("gateway: corrupt block data")

// Gateway stores persistent blocks in a BoltDB file.
type Gateway struct {
	db   *bolt.DB
	path string
}

// Open opens or creates the database at path.
func Open(path string) (*Gateway, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open gateway database: %w", err)
	}

	return &Gateway{db: db, path: path}, nil
}

func (g *Gateway) log(ctx context.Context) logrus.FieldLogger {
	return ctxlogrus.Extract(ctx).WithFields(logrus.Fields{
		"component": "gateway.Gateway",
		"path":      g.path,
	})
}

// Close closes the database.
func (g *Gateway) Close() error {
	return g.db.Close()
}

// StateChanged persists the blocks of every published state that changed
// them. It makes the Gateway a cluster.Listener.
func (g *Gateway) StateChanged(ctx context.Context, event cluster.ChangedEvent) {
	if !event.BlocksChanged() {
		return
	}

	if err := g.Persist(ctx, event.Current); err != nil {
		g.log(ctx).WithError(err).WithField("version", event.Current.Version()).Error("failed persisting cluster blocks")
	}
}

// Persist replaces the stored blocks with the persistent blocks of state.
// Nothing is written while any installed block disables state persistence.
func (g *Gateway) Persist(ctx context.Context, state *cluster.State) error {
	blocks := state.Blocks()
	scopes := map[string][]cluster.Block{globalScope: blocks.Global()}
	for _, index := range blocks.Indices() {
		scopes[index] = blocks.Index(index)
	}

	persistent := map[string][]cluster.Block{}
	for scope, scopeBlocks := range scopes {
		for _, block := range scopeBlocks {
			if block.DisableStatePersistence {
				g.log(ctx).WithField("block", block.String()).Debug("state persistence disabled")
				return nil
			}
			if block.Persistent {
				persistent[scope] = append(persistent[scope], block)
			}
		}
	}

	return g.db.Update(func(tx *bolt.Tx) error {
		switch err := tx.DeleteBucket(blocksBucket); err {
		case nil, bolt.ErrBucketNotFound:
		default:
			return err
		}

		root, err := tx.CreateBucket(blocksBucket)
		if err != nil {
			return err
		}

		for scope, scopeBlocks := range persistent {
			scopeB, err := root.CreateBucket([]byte(scope))
			if err != nil {
				return err
			}

			for _, block := range scopeBlocks {
				value, err := json.Marshal(block)
				if err != nil {
					return err
				}

				seq, err := scopeB.NextSequence()
				if err != nil {
					return err
				}

				if err := scopeB.Put(itob(seq), value); err != nil {
					return err
				}
			}
		}

		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		return meta.Put(versionKey, itob(uint64(state.Version())))
	})
}

// Load returns the stored blocks and the state version they were persisted
// from. An empty database yields empty blocks and version zero.
func (g *Gateway) Load(ctx context.Context) (cluster.Blocks, int64, error) {
	builder := cluster.NewBlocksBuilder()
	var version int64

	err := g.db.View(func(tx *bolt.Tx) error {
		if meta := tx.Bucket(metaBucket); meta != nil {
			if v := meta.Get(versionKey); len(v) == 8 {
				version = int64(binary.BigEndian.Uint64(v))
			}
		}

		root := tx.Bucket(blocksBucket)
		if root == nil {
			return nil
		}

		return root.ForEach(func(scope, _ []byte) error {
			scopeB := root.Bucket(scope)
			if scopeB == nil {
				return fmt.Errorf("%w: unexpected key %q", ErrCorrupt, scope)
			}

			// bolt values are only valid during the transaction, but
			// json.Unmarshal copies everything it keeps.
			return scopeB.ForEach(func(_, value []byte) error {
				var block cluster.Block
				if err := json.Unmarshal(value, &block); err != nil {
					return fmt.Errorf("%w: %v", ErrCorrupt, err)
				}

				if string(scope) == globalScope {
					builder.AddGlobalBlock(block)
				} else {
					builder.AddIndexBlock(string(scope), block)
				}
				return nil
			})
		})
	})
	if err != nil {
		return cluster.Blocks{}, 0, err
	}

	blocks := builder.Build()
	g.log(ctx).WithFields(logrus.Fields{
		"version": version,
		"blocks":  blocks.String(),
	}).Info("loaded persisted cluster blocks")

	return blocks, version, nil
}

// Restore installs the stored blocks into service and subscribes the
// Gateway to subsequent changes.
func (g *Gateway) Restore(ctx context.Context, service *cluster.Service) error {
	blocks, _, err := g.Load(ctx)
	if err != nil {
		return err
	}

	if !blocks.Empty() {
		if _, err := service.Update(ctx, "gateway-restore", func(current *cluster.State) (*cluster.State, error) {
			merged := cluster.NewBlocksBuilder().Blocks(current.Blocks()).Blocks(blocks).Build()
			return cluster.StateBuilderFrom(current).Blocks(merged).Build(), nil
		}); err != nil {
			return fmt.Errorf("restore blocks: %w", err)
		}
	}

	service.Subscribe(g)
	return nil
}

// itob returns an 8-byte big endian representation of v.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

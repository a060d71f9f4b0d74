// Package activities holds the Temporal activity implementations for the
// capsule generation pipeline. Activities own all side effects; the
// workflow stays deterministic and only sequences them.
package activities

import (
	"go.uber.org/zap"

	"github.com/capsuleforge/orchestrator/internal/capsule"
	"github.com/capsuleforge/orchestrator/internal/confidence"
	"github.com/capsuleforge/orchestrator/internal/db"
	"github.com/capsuleforge/orchestrator/internal/embeddings"
	"github.com/capsuleforge/orchestrator/internal/ledger"
	"github.com/capsuleforge/orchestrator/internal/llm"
	"github.com/capsuleforge/orchestrator/internal/patterncache"
	"github.com/capsuleforge/orchestrator/internal/policy"
	"github.com/capsuleforge/orchestrator/internal/sandbox"
	"github.com/capsuleforge/orchestrator/internal/streaming"
	"github.com/capsuleforge/orchestrator/internal/tiers"
	"github.com/capsuleforge/orchestrator/internal/validation"
	"github.com/capsuleforge/orchestrator/internal/vectordb"
)

// Activities bundles every dependency the activity implementations share.
// One instance is registered with the worker.
type Activities struct {
	logger    *zap.Logger
	store     *db.Client
	cache     *patterncache.Cache
	vector    *vectordb.Client
	embedder  *embeddings.Client
	router    *tiers.Router
	llm       *llm.Client
	sandbox   *sandbox.Pool
	mesh      *validation.Mesh
	scorer    *confidence.Engine
	policy    *policy.Engine
	ledger    *ledger.Ledger
	assembler *capsule.Assembler
	bus       *streaming.Bus
}

// Deps enumerates the constructor inputs. Optional integrations (cache,
// vector, embedder, policy) may be nil; the activities degrade to
// pass-through.
type Deps struct {
	Logger    *zap.Logger
	Store     *db.Client
	Cache     *patterncache.Cache
	Vector    *vectordb.Client
	Embedder  *embeddings.Client
	Router    *tiers.Router
	LLM       *llm.Client
	Sandbox   *sandbox.Pool
	Mesh      *validation.Mesh
	Scorer    *confidence.Engine
	Policy    *policy.Engine
	Ledger    *ledger.Ledger
	Assembler *capsule.Assembler
	Bus       *streaming.Bus
}

// New wires the shared activity state.
func New(d Deps) *Activities {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activities{
		logger:    logger,
		store:     d.Store,
		cache:     d.Cache,
		vector:    d.Vector,
		embedder:  d.Embedder,
		router:    d.Router,
		llm:       d.LLM,
		sandbox:   d.Sandbox,
		mesh:      d.Mesh,
		scorer:    d.Scorer,
		policy:    d.Policy,
		ledger:    d.Ledger,
		assembler: d.Assembler,
		bus:       d.Bus,
	}
}

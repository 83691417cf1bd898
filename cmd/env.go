package main

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/course-cli/internal/batch"
	"github.com/sells-group/course-cli/internal/classifier"
	"github.com/sells-group/course-cli/internal/doccache"
	"github.com/sells-group/course-cli/internal/extract"
	"github.com/sells-group/course-cli/internal/ledger"
	"github.com/sells-group/course-cli/internal/policy"
	"github.com/sells-group/course-cli/internal/recommend"
	"github.com/sells-group/course-cli/internal/reconcile"
	"github.com/sells-group/course-cli/internal/roster"
	"github.com/sells-group/course-cli/internal/store"
	anthropicpkg "github.com/sells-group/course-cli/pkg/anthropic"
)

// appEnv holds the store and the services built on it. Driver is only set
// for commands that submit protocols.
type appEnv struct {
	Store      store.Store
	Ledger     *ledger.Ledger
	Cache      *doccache.Cache
	Policies   *policy.Store
	Reconciler *reconcile.Reconciler
	Driver     *batch.Driver
}

// Close releases the store.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func newCoreEnv(st store.Store, bufferDays int) *appEnv {
	env := &appEnv{
		Store:    st,
		Ledger:   ledger.New(st, bufferDays),
		Cache:    doccache.New(st),
		Policies: policy.New(st),
	}
	env.Reconciler = reconcile.New(env.Ledger, env.Cache, env.Policies, bufferDays)
	return env
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "courses.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv validates config for mode ("read", "submit" or "serve"), opens and
// migrates the store, and for submit modes wires the batch driver. Callers
// should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env := newCoreEnv(st, cfg.Renewal.BufferDays)
	if mode == "read" {
		return env, nil
	}

	driver, err := initDriver(ctx, env)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Driver = driver
	return env, nil
}

func initDriver(ctx context.Context, env *appEnv) (*batch.Driver, error) {
	dir, err := roster.LoadDirectory(ctx, cfg.Roster.People)
	if err != nil {
		return nil, eris.Wrap(err, "load people directory")
	}
	catalog, err := roster.LoadCatalog(ctx, cfg.Roster.Catalog)
	if err != nil {
		return nil, eris.Wrap(err, "load course catalog")
	}
	extractor, err := extract.NewExtractor(cfg.Extract)
	if err != nil {
		return nil, err
	}

	fallback := cfg.Classifier.FallbackCourses
	if cfg.Classifier.RestrictCatalog {
		for _, id := range fallback {
			if !catalog.Contains(id) {
				zap.L().Warn("fallback course is not in the catalog", zap.String("course_id", id))
			}
		}
	}

	zap.L().Info("batch driver ready",
		zap.Int("people", dir.Len()),
		zap.Int("courses", len(catalog)),
		zap.String("extract_provider", cfg.Extract.Provider),
		zap.String("fallback", strings.Join(fallback, ",")),
	)

	return batch.New(batch.Deps{
		Extractor:  extractor,
		Documents:  env.Cache,
		Directory:  dir,
		Classifier: classifier.NewAnthropic(anthropicpkg.NewClient(cfg.Anthropic.Key), classifier.OptionsFromConfig(cfg)),
		Normalizer: recommend.NewNormalizer(catalog, cfg.Classifier.RestrictCatalog, fallback),
		Reconciler: env.Reconciler,
		Catalog:    catalog,
	}, batch.OptionsFromConfig(cfg)), nil
}

// parseTime accepts RFC 3339 timestamps and bare dates (midnight UTC). An
// empty string yields now.
func parseTime(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return now, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, eris.Errorf("invalid time %q: use YYYY-MM-DD or RFC 3339", s)
	}
	return t, nil
}

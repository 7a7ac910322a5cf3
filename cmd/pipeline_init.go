package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crash-pipeline/internal/clean"
	"github.com/sells-group/crash-pipeline/internal/extract"
	"github.com/sells-group/crash-pipeline/internal/gold"
	"github.com/sells-group/crash-pipeline/internal/metrics"
	"github.com/sells-group/crash-pipeline/internal/model"
	"github.com/sells-group/crash-pipeline/internal/objstore"
	"github.com/sells-group/crash-pipeline/internal/runner"
	"github.com/sells-group/crash-pipeline/internal/source"
	"github.com/sells-group/crash-pipeline/internal/transform"
)

// pipelineEnv holds the stores, stages and runner needed by the stage,
// run and serve commands.
type pipelineEnv struct {
	Store     objstore.Store
	Gold      gold.Store
	Metrics   *metrics.Registry
	Extractor *extract.Extractor
	Runner    *runner.Runner
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Gold != nil {
		_ = pe.Gold.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline opens both stores and wires the three stages. Callers
// should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initObjStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &pipelineEnv{Store: st, Metrics: metrics.NewRegistry()}

	env.Gold, err = initGold(ctx, false)
	if err != nil {
		env.Close()
		return nil, err
	}

	datasets, err := cfg.Source.DatasetMap()
	if err != nil {
		env.Close()
		return nil, err
	}
	client := source.NewClient(source.Options{
		BaseURL:           cfg.Source.BaseURL,
		AppToken:          cfg.Source.AppToken,
		PageSize:          cfg.Source.PageSize,
		Datasets:          datasets,
		Timeout:           cfg.Source.Timeout(),
		RequestsPerSecond: cfg.Source.RequestsPerSecond,
		Burst:             cfg.Source.Burst,
		MaxInFlight:       cfg.Source.MaxInFlight,
		Retry:             cfg.Source.RetryPolicy(),
	})

	env.Extractor = extract.New(st, client, env.Metrics.Stage(model.StageExtract), extract.Options{
		Concurrency:  cfg.Extract.Concurrency,
		BatchRetries: cfg.Extract.BatchRetries,
		MaxPages:     cfg.Extract.MaxPages,
	})
	tr := transform.New(st, env.Metrics.Stage(model.StageTransform), transform.Options{
		PartRows: cfg.Transform.PartRows,
	})
	cl, err := clean.New(st, env.Gold, env.Metrics.Stage(model.StageClean), nil)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "init cleaner")
	}

	env.Runner = runner.New(map[model.Stage]runner.StageRunner{
		model.StageExtract:   env.Extractor,
		model.StageTransform: tr,
		model.StageClean:     cl,
	})

	zap.L().Debug("pipeline initialized",
		zap.String("objstore", cfg.ObjStore.Driver),
		zap.String("gold", cfg.Gold.Driver),
	)
	return env, nil
}

func initObjStore(ctx context.Context) (objstore.Store, error) {
	st, err := objstore.Open(ctx, objstore.Options{
		Driver:      cfg.ObjStore.Driver,
		Root:        cfg.ObjStore.Root,
		DatabaseURL: cfg.Database.URL,
		MaxConns:    cfg.Database.MaxConns,
	})
	if err != nil {
		return nil, eris.Wrap(err, "open object store")
	}
	return st, nil
}

func initGold(ctx context.Context, readOnly bool) (gold.Store, error) {
	g, err := gold.Open(ctx, gold.Options{
		Driver:      cfg.Gold.Driver,
		Path:        cfg.Gold.Path,
		DatabaseURL: cfg.Database.URL,
		MaxConns:    cfg.Database.MaxConns,
		ReadOnly:    readOnly,
	})
	if err != nil {
		return nil, eris.Wrap(err, "open gold store")
	}
	return g, nil
}

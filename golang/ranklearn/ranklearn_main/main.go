package main

import (
	"flag"
	"log"
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/rankforge/ranklearn/golang/ranklearn/rll"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

func decodeConfig(srcConfig string, out interface{}) {
	data, err := os.ReadFile(srcConfig)
	rll.HandleError(err)
	rll.HandleError(yaml.Unmarshal(data, out))
}

//DatasetConfig selects either an SVMLight file or an npy triplet.
type DatasetConfig struct {
	SVMLight string `yaml:"svmlight"`
	Features string `yaml:"features"`
	Labels   string `yaml:"labels"`
	Qids     string `yaml:"qids"`
}

func loadDataset(cfg DatasetConfig) *rll.Dataset {
	var (
		ds  *rll.Dataset
		err error
	)
	if cfg.SVMLight != "" {
		ds, err = rll.ReadSVMLight(cfg.SVMLight)
	} else {
		ds, err = rll.ReadNpyDataset(cfg.Features, cfg.Labels, cfg.Qids)
	}
	rll.HandleError(err)
	return ds
}

type TrainConfig struct {
	Learner    string         `yaml:"learner"` // linesearch or mart
	Metric     string         `yaml:"metric"`
	Cutoff     int            `yaml:"cutoff"`
	Train      DatasetConfig  `yaml:"train"`
	Validation *DatasetConfig `yaml:"validation"`
	Model      string         `yaml:"model"`
	Threads    int            `yaml:"threads"`

	LineSearch struct {
		NumPoints       int     `yaml:"num_points"`
		WindowSize      float64 `yaml:"window_size"`
		ReductionFactor float64 `yaml:"reduction_factor"`
		MaxIterations   int     `yaml:"max_iterations"`
		MaxFailedVali   int     `yaml:"max_failed_vali"`
		Adaptive        bool    `yaml:"adaptive"`
	} `yaml:"linesearch"`

	MART struct {
		NTrees              int     `yaml:"ntrees"`
		Shrinkage           float64 `yaml:"shrinkage"`
		NTreeLeaves         int     `yaml:"ntreeleaves"`
		MinLeafSupport      int     `yaml:"minleafsupport"`
		FeatureSamplingRate float64 `yaml:"featuresamplingrate"`
		MaxFailedVali       int     `yaml:"max_failed_vali"`
		Seed                int64   `yaml:"seed"`
	} `yaml:"mart"`
}

func train(srcConfig string) {
	var cfg TrainConfig
	decodeConfig(srcConfig, &cfg)

	scorer, err := rll.NewScorer(cfg.Metric, cfg.Cutoff)
	rll.HandleError(err)

	trainSet := loadDataset(cfg.Train)
	var valiSet *rll.Dataset
	if cfg.Validation != nil {
		valiSet = loadDataset(*cfg.Validation)
	}

	switch cfg.Learner {
	case "linesearch":
		ls := &rll.LineSearch{
			NumPoints:       cfg.LineSearch.NumPoints,
			WindowSize:      cfg.LineSearch.WindowSize,
			ReductionFactor: cfg.LineSearch.ReductionFactor,
			MaxIterations:   cfg.LineSearch.MaxIterations,
			MaxFailedVali:   cfg.LineSearch.MaxFailedVali,
			Adaptive:        cfg.LineSearch.Adaptive,
			Threads:         cfg.Threads,
		}
		rll.HandleError(ls.Learn(trainSet, valiSet, scorer))
		rll.HandleError(ls.SaveModel(cfg.Model))
	case "mart":
		m := &rll.MART{
			NTrees:              cfg.MART.NTrees,
			Shrinkage:           cfg.MART.Shrinkage,
			NTreeLeaves:         cfg.MART.NTreeLeaves,
			MinLeafSupport:      cfg.MART.MinLeafSupport,
			FeatureSamplingRate: cfg.MART.FeatureSamplingRate,
			MaxFailedVali:       cfg.MART.MaxFailedVali,
			Threads:             cfg.Threads,
			Seed:                cfg.MART.Seed,
		}
		rll.HandleError(m.Learn(trainSet, valiSet, scorer))
		rll.HandleError(m.SaveModel(cfg.Model))
	default:
		log.Fatalf("unknown learner %q, want linesearch or mart", cfg.Learner)
	}
}

type PredictConfig struct {
	Learner string        `yaml:"learner"`
	Model   string        `yaml:"model"`
	Dataset DatasetConfig `yaml:"dataset"`
	Scores  string        `yaml:"scores"`
	Metric  string        `yaml:"metric"`
	Cutoff  int           `yaml:"cutoff"`
}

func predict(srcConfig string) {
	var cfg PredictConfig
	decodeConfig(srcConfig, &cfg)

	ds := loadDataset(cfg.Dataset)
	scores := make([]float64, ds.NumInstances())

	switch cfg.Learner {
	case "linesearch":
		model, err := rll.LoadLineSearchModel(cfg.Model)
		rll.HandleError(err)
		model.ScoreDataset(ds, scores)
	case "mart":
		model, err := rll.LoadMARTModel(cfg.Model)
		rll.HandleError(err)
		model.ScoreDataset(ds, scores)
	default:
		log.Fatalf("unknown learner %q, want linesearch or mart", cfg.Learner)
	}

	rll.HandleError(rll.WriteNpyScores(cfg.Scores, scores))

	if cfg.Metric != "" {
		scorer, err := rll.NewScorer(cfg.Metric, cfg.Cutoff)
		rll.HandleError(err)
		log.Print(scorer.Name(), " = ", scorer.EvaluateDataset(ds, scores))
	}
}

type GraphConfig struct {
	Model             string `yaml:"model"`
	FigureType        string `yaml:"figure_type"`
	PicturesDirectory string `yaml:"pictures_directory"`
	DumpPrefix        string `yaml:"dump_prefix"`
}

func graph(srcConfig string) {
	var cfg GraphConfig
	decodeConfig(srcConfig, &cfg)

	model, err := rll.LoadMARTModel(cfg.Model)
	rll.HandleError(err)
	rll.HandleError(model.RenderTrees(cfg.DumpPrefix, cfg.FigureType, cfg.PicturesDirectory))
}

func main() {
	runMode := flag.String("mode", "train", "you can select either 'train', 'predict' or 'graph' modes")
	config := flag.String("config", "ranklearn_config.yaml", "a config file for the run of the program")
	memprofile := flag.String("memprofile", "", "write memory profile to `file`")

	flag.Parse()

	rll.SetLogger(zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger())

	modes := map[string]func(string){
		"train":   train,
		"predict": predict,
		"graph":   graph,
	}
	run, ok := modes[*runMode]
	if !ok {
		log.Fatalf("unknown mode %q", *runMode)
	}
	run(*config)

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		rll.HandleError(err)
		defer func() { rll.HandleError(f.Close()) }()
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal("could not write memory profile: ", err)
		}
	}
}

package main

import (
	"github.com/stellarlinkco/gm-eval/internal/config"
	"github.com/stellarlinkco/gm-eval/internal/llm"
	"github.com/stellarlinkco/gm-eval/internal/store"
)

var (
	loadConfig                = config.Load
	openStore                 = store.Open
	defaultProviderFromConfig = llm.DefaultProviderFromConfig
)

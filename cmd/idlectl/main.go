package main

import (
	"flag"
	"os"

	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

func main() {
	goFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(goFlags)
	pflag.CommandLine.AddGoFlagSet(goFlags)

	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

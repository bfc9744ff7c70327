package main

import (
    "flag"
    "os"
)

func main() {
    fs := flag.NewFlagSet("pixjail-worker", flag.ExitOnError)
    var opts Options
    fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
    _ = fs.Parse(os.Args[1:])
    os.Exit(run(opts))
}

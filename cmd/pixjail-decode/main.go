// pixjail-decode submits one image file to a running worker and prints the
// decoded dimensions. Mostly a smoke-test tool for a deployed channel.
package main

import (
    "context"
    "flag"
    "fmt"
    "os"
    "time"

    "go.uber.org/zap"

    "pixjail/pkg/client"
    "pixjail/pkg/config"
    "pixjail/pkg/imaging"
    "pixjail/pkg/ipc"
    "pixjail/pkg/transport"
)

func main() {
    cfgPath := flag.String("config", "", "Path to YAML config file")
    timeout := flag.Duration("timeout", 10*time.Second, "overall deadline")
    flag.Parse()
    if flag.NArg() != 1 {
        fatalf("usage: pixjail-decode [flags] <image-file>")
    }

    logger, _ := zap.NewDevelopment()
    zap.ReplaceGlobals(logger)
    defer logger.Sync()

    cfg, err := config.Load(*cfgPath)
    if err != nil {
        fatalf("load config: %v", err)
    }
    data, err := os.ReadFile(flag.Arg(0))
    if err != nil {
        fatalf("read input: %v", err)
    }

    tr, err := ipc.NewFactory().ByKind(cfg.Channel.Kind, transport.Options{MaxFrameBytes: cfg.Channel.MaxFrameBytes})
    if err != nil {
        fatalf("transport: %v", err)
    }
    cl, err := client.New(cfg, tr)
    if err != nil {
        fatalf("client: %v", err)
    }
    defer cl.Close()

    ctx, cancel := context.WithTimeout(context.Background(), *timeout)
    defer cancel()

    img, err := cl.DecodeImage(ctx, data)
    if err != nil {
        if f, ok := imaging.FailureOf(err); ok {
            fatalf("decode failed (%s): %s", f.Kind, f.Detail)
        }
        fatalf("decode failed: %v", err)
    }
    fmt.Printf("%s: %dx%d %s, %d pixel bytes\n", flag.Arg(0), img.Width, img.Height, img.Format, len(img.Pix))
}

func fatalf(format string, a ...any) {
    _, _ = fmt.Fprintf(os.Stderr, format+"\n", a...)
    os.Exit(1)
}

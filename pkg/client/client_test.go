package client

import (
    "bytes"
    "context"
    "fmt"
    "image"
    "image/color"
    "image/png"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "pixjail/pkg/config"
    "pixjail/pkg/imaging"
    "pixjail/pkg/transport"
    "pixjail/pkg/transport/mem"
    "pixjail/pkg/worker"
)

func encodePNG(t *testing.T, w, h int, seed uint8) []byte {
    t.Helper()
    m := image.NewRGBA(image.Rect(0, 0, w, h))
    for y := 0; y < h; y++ {
        for x := 0; x < w; x++ {
            m.SetRGBA(x, y, color.RGBA{R: seed, G: uint8(x), B: uint8(y), A: 255})
        }
    }
    var buf bytes.Buffer
    require.NoError(t, png.Encode(&buf, m))
    return buf.Bytes()
}

// startStack runs a real decoder behind a worker service on a mem channel
// and returns a connected Client.
func startStack(t *testing.T) *Client {
    t.Helper()
    ctx, cancel := context.WithCancel(context.Background())
    t.Cleanup(cancel)

    tr := mem.New(transport.Options{})
    addr := "inproc://client-" + t.Name()

    svc, err := worker.New("test-worker", imaging.NewDecoder(imaging.Limits{}), 8)
    require.NoError(t, err)
    l, err := tr.Listen(ctx, addr)
    require.NoError(t, err)
    go func() { _ = svc.Serve(ctx, l) }()

    cfg := config.Default()
    cfg.Channel.Kind = "mem"
    cfg.Channel.Address = addr
    cfg.Channel.MaxInflight = 8
    cfg.Channel.RespawnBackoffInitialMS = 10

    c, err := New(cfg, tr)
    require.NoError(t, err)
    t.Cleanup(func() { _ = c.Close() })
    return c
}

func TestDecodeImage(t *testing.T) {
    c := startStack(t)
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()

    img, err := c.DecodeImage(ctx, encodePNG(t, 13, 7, 200))
    require.NoError(t, err)
    assert.Equal(t, 13, img.Width)
    assert.Equal(t, 7, img.Height)
    assert.Equal(t, imaging.RGBA8, img.Format)
    require.Len(t, img.Pix, 13*7*4)
    // Top-left pixel carries the seed value in the red channel.
    assert.Equal(t, uint8(200), img.Pix[0])
}

func TestDecodeImageGarbage(t *testing.T) {
    c := startStack(t)
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()

    _, err := c.DecodeImage(ctx, []byte("not an image at all"))
    f, ok := imaging.FailureOf(err)
    require.True(t, ok, "want typed failure, got %v", err)
    assert.Equal(t, imaging.FailUnsupported, f.Kind)
}

func TestDecodeImageConcurrent(t *testing.T) {
    c := startStack(t)
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()

    const n = 8
    // Distinct widths so a crossed result is detectable.
    payloads := make([][]byte, n)
    for i := 0; i < n; i++ {
        payloads[i] = encodePNG(t, 4+i, 5, uint8(i))
    }

    var wg sync.WaitGroup
    errs := make([]error, n)
    for i := 0; i < n; i++ {
        wg.Add(1)
        go func(i int) {
            defer wg.Done()
            w := 4 + i
            img, err := c.DecodeImage(ctx, payloads[i])
            if err != nil {
                errs[i] = err
                return
            }
            if img.Width != w || img.Pix[0] != uint8(i) {
                errs[i] = fmt.Errorf("result crossed: width %d red %d (want %d/%d)", img.Width, img.Pix[0], w, i)
            }
        }(i)
    }
    wg.Wait()
    for i, err := range errs {
        assert.NoError(t, err, "call %d", i)
    }
}

func TestCloseFailsOutstanding(t *testing.T) {
    c := startStack(t)
    require.NoError(t, c.Close())

    _, err := c.DecodeImage(context.Background(), encodePNG(t, 2, 2, 1))
    f, ok := imaging.FailureOf(err)
    require.True(t, ok)
    assert.Equal(t, imaging.FailUnavailable, f.Kind)
}

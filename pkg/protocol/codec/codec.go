package codec

// Codec defines a simple interface for marshaling typed messages.
// Implementations must be deterministic and safe for cross-process exchange.
type Codec interface {
    ContentType() string
    Marshal(v any) ([]byte, error)
    Unmarshal(data []byte, v any) error
}

// Content types understood by the registry.
const (
    ContentJSON = "application/json"
    ContentCBOR = "application/cbor"
)

// Registry maps content types to codecs.
type Registry struct{ byType map[string]Codec }

// NewRegistry constructs a registry preloaded with the JSON codec.
// CBOR is added explicitly via Register since its construction can fail.
func NewRegistry() *Registry {
    r := &Registry{byType: make(map[string]Codec)}
    r.Register(JSON())
    return r
}

// NewDefaultRegistry returns a registry with JSON and CBOR registered.
func NewDefaultRegistry() (*Registry, error) {
    r := NewRegistry()
    c, err := CBOR()
    if err != nil {
        return nil, err
    }
    r.Register(c)
    return r, nil
}

// Register adds a codec.
func (r *Registry) Register(c Codec) { r.byType[c.ContentType()] = c }

// Get returns a codec by content type, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }

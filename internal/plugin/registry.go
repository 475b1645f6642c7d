package plugin

// Factory constructs a builtin plugin value. Builtins register themselves
// via init() in their own file under internal/plugin/builtin, appending a
// Factory to the package-level registry in source order — a compile-time
// stand-in for the spec's directory-scan discovery (§4.7, design note (a),
// decision D.2). A builtin whose Enabled constant is false is skipped by
// Discover rather than omitted from the registry, mirroring the
// ".disabled." filename convention the spec describes for a dynamic
// loader.
type Factory struct {
	Name    string
	Enabled bool
	Build   func() *Plugin
}

var factories []Factory

// Add registers a builtin plugin factory. Called from builtin packages'
// init() functions.
func Add(f Factory) {
	factories = append(factories, f)
}

// Discover returns every enabled builtin plugin, in registration order,
// ready to pass to Runtime.Register.
func Discover() []*Plugin {
	var out []*Plugin
	for _, f := range factories {
		if !f.Enabled {
			continue
		}
		out = append(out, f.Build())
	}
	return out
}

// Command mgmd is the metadata-manager daemon: it owns fleet state
// (spec §3), the master/slave supervisor (§4.5), and the per-node
// admission/scheduling/drain/balance/deletion engines (§4.1-4.8), and
// exposes them over an admin HTTP API and a Prometheus endpoint.
package main

func main() {
	Execute()
}

// Command harvester mirrors a video catalog to disk through a real browser.
//
// A run is one worker of a fixed-size fleet:
//
//	harvester run <workers> <index> <output-root>
//
// The catalog is discovered once and cached as courses.json under the output
// root; every worker then takes its contiguous shard, expands each course into
// lessons and extracts every lesson into its own directory. A lesson directory
// holding a .complete marker is never touched again, so a stopped run is
// resumed by starting it again with the same arguments.
//
// Pages that need a logged-in session read their cookies from the cookies
// file. It is recorded once by hand:
//
//	harvester cookies cookies.json --wait 90s
//
// which opens a visible browser on the home page and saves whatever cookies it
// holds when the wait runs out.
//
// Configuration comes from --config (any format viper reads) and HARVESTER_*
// environment variables, e.g. HARVESTER_OPS_ADDR=:9090 to serve /healthz,
// /readyz, /metrics and /v1/status while the run is going, or HARVESTER_DB_DSN
// to record runs in Postgres.
package main

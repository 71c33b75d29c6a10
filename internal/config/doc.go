// Package config loads and validates quadran-gateway configuration.
//
// Configuration is a YAML file with ${ENV_VAR} expansion, so secrets such as
// the session signing key can live in the environment:
//
//	server:
//	  http_addr: "127.0.0.1:7847"
//	database:
//	  path: "/var/lib/quadran/quadran.db"
//	session:
//	  signing_key: "${QUADRAN_SESSION_KEY}"
//	  ttl: "15m"
//	attestation:
//	  challenge_ttl: "90s"
//	  clock_skew: "5s"
//
// Duration fields are written as Go duration strings ("90s", "15m") and
// parsed at load time. Load applies defaults first, then the file, then
// validation, so a minimal file only needs the database path and addresses.
package config

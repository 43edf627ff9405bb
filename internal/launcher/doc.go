// Package launcher starts installed apps described by manifests in the
// companion data directory and keeps track of which of them are running.
//
// Manifests live at <dataDir>/apps/<appID>.json (also .yaml, .yml and .toml)
// and name the install directory and the entrypoint to execute. Started
// processes are handed to a supervisor.Monitor; the launcher only maps app ids
// to pids and captures their output.
package launcher

// Package logx is cronkeeper's structured logging layer.
//
// A thin Logger value wraps zerolog so that components can carry fixed
// fields and survive runtime reconfiguration:
//   - console output is human readable (short timestamp, file:line caller)
//   - the optional file sink writes one JSON object per line
//   - the optional tail sink keeps the most recent lines in memory so the
//     control surface can show them on request
package logx

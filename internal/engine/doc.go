// Package engine defines the narrow capability surface of the external
// automation engine: an Engine that prepares the native component once and
// creates instances, and an Instance that accepts named operations with
// positional arguments. Concrete engines live in subpackages.
package engine

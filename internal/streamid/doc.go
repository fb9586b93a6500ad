/*
Package streamid provides a structured, type-safe representation for stream
identifiers within the graph, based on the canonical format `alias.port`.

The external form is a node alias followed by a dot and an output port, e.g.
`decoder0.0` or `decoder0.video`. A port may be given by index or by one of
the names the producing kind declares. Identifiers are parsed into a Ref at
the boundary and resolved exactly once, at admission time, into a Handle that
the rest of the engine passes around.
*/
package streamid

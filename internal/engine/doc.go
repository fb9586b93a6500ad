// Package engine is the lifecycle facade of a media graph: Build, Start,
// Update and Close, callback registration and result codes.
//
// An Engine owns one Graph Model, one executor and one callback bridge. All
// topology changes go through the same validate-then-apply path, Build
// included, and are serialized by an admission lock. Data flow is never
// stopped for admission; only nodes named by an update are touched.
package engine

// Package conversation models branched chat conversations as rooted message
// trees. A tree is mutated only by appending messages; every explored branch of
// a chat stays addressable through parent back-references, and the root-to-node
// ancestry chain is the linear context handed to a generation provider.
package conversation

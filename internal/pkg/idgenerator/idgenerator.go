// Package idgenerator generates random lowercase alphanumeric IDs.
package idgenerator

import gonanoid "github.com/matoous/go-nanoid/v2"

const (
	alphabet               = "0123456789abcdefghijklmnopqrstuvwxyz"
	namespaceForTestLength = 10
)

// NamespaceForTest generates a prefix isolating keys of a test in a shared etcd cluster.
func NamespaceForTest() string {
	return Random(namespaceForTestLength)
}

func Random(length int) string {
	return gonanoid.MustGenerate(alphabet, length)
}

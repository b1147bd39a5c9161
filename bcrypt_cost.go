//go:build !race

package chequier

func passwordHashCost() int {
	return 12
}

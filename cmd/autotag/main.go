// autotag - provenance-based resource auto-tagging.
// Find who created it. Tag it. Mark it done.
package main

func main() {
	Execute()
}

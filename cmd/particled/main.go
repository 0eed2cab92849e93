// Command particled runs a particula node.
package main

func main() {
	Execute()
}

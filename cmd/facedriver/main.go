// Command facedriver runs the face-tracking host: it supervises the
// inference backend, keeps the command channel up and serves parameters to
// renderers.
package main

func main() {
	Execute()
}

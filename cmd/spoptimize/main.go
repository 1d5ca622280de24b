// spoptimize - spot instance requests from autoscaling launch configurations.
package main

func main() {
	Execute()
}

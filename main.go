package main

import "example.com/backstage/services/onboarding/cmd"

func main() {
	cmd.Execute()
}

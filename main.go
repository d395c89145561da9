// Command raid-snapshot writes a JSON snapshot of Pokebattler raids.
package main

import "github.com/JakeFAU/raid-snapshot/cmd"

func main() {
	cmd.Execute()
}

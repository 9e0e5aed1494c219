/*
 *
 * Copyright 2025 GameStringer authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Binary segstat attaches to a live bridge segment and prints its header
// and ring state. Useful when diagnosing a stuck or degraded session.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rouges78/GameStringer-sub004/internal/shm"
)

func main() {
	name := flag.String("segment", "main", "segment name to inspect")
	flag.Parse()

	if err := run(*name); err != nil {
		fmt.Fprintln(os.Stderr, "segstat:", err)
		os.Exit(1)
	}
}

func run(name string) error {
	// Read-only: inspecting a live session must not claim the client slot.
	seg, err := shm.AttachReadOnly(name)
	if err != nil {
		return err
	}
	defer seg.Close()

	hdr := seg.Header()
	fmt.Printf("segment %s (%s)\n", name, seg.Path)
	fmt.Printf("  layout version  %d\n", hdr.Version())
	fmt.Printf("  host pid        %d (ready=%v)\n", hdr.HostPID(), hdr.HostReady())
	fmt.Printf("  client pid      %d (ready=%v)\n", hdr.ClientPID(), hdr.ClientReady())
	fmt.Printf("  closed          %v\n", hdr.Closed())
	fmt.Printf("  requests        %d\n", hdr.Requests())
	fmt.Printf("  hits            %d\n", hdr.Hits())
	fmt.Printf("  misses          %d\n", hdr.Misses())

	printRing("inbound  (client->host)", seg.Inbound())
	printRing("outbound (host->client)", seg.Outbound())
	return nil
}

func printRing(label string, r *shm.Ring) {
	st := r.State()
	fmt.Printf("ring %s\n", label)
	fmt.Printf("  capacity  %d\n", st.Capacity)
	fmt.Printf("  widx      %d\n", st.Widx)
	fmt.Printf("  ridx      %d\n", st.Ridx)
	fmt.Printf("  used      %d\n", st.Used)
	fmt.Printf("  closed    %v\n", st.Closed)
}

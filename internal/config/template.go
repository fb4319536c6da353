// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

// template is a commented example device file. It must stay valid.
const template = `# Links are connections. "type" selects the framing (tcp, rtu, ascii);
# "address" dials TCP, "serial" opens a local line.
links:
  - name: plc
    type: tcp
    address: 127.0.0.1:502
    timeout: 2s
  - name: gateway
    type: rtu
    address: 127.0.0.1:5020
    timeout: 1s
    write_delay: 5ms
  # - name: line1
  #   type: ascii
  #   serial:
  #     device: /dev/ttyUSB0
  #     baud_rate: 9600
  #     data_bits: 7
  #     stop_bits: 1
  #     parity: E

# Devices are register ranges on a slave. A poll_interval of 0 reads only
# on request. Write devices seed their cache with a single read first.
devices:
  - name: tank_levels
    link: plc
    slave: 1
    operation: read_holding_registers
    start: 100
    length: 10
    data_type: INT16
    poll_interval: 500ms
    histogram:
      enabled: true
      bin_width_ms: 1
    points:
      - name: alarms
        class: bits
        offset: 0
        mask: 0x00FF
      - name: level
        class: float
        offset: 2
        data_type: FLOAT32_BE
      - name: counter
        class: int
        offset: 4
        data_type: UINT32_LE
      - name: raw
        class: array
        offset: 0
      - name: tag
        class: string
        offset: 6
        data_type: STRING_HIGH_LOW
        max_chars: 8

  - name: valves
    link: plc
    slave: 1
    operation: write_multiple_coils
    start: 0
    length: 16
    poll_interval: 1s

  - name: setpoints
    link: gateway
    slave: 7
    operation: write_single_register
    start: 40
    length: 4
    variant: Wago 750
    poll_interval: 1s

  - name: scratch
    link: plc
    slave: 1
    operation: read_holding_registers
    absolute: true
    length: 16

# mqtt:
#   broker: tcp://127.0.0.1:1883
#   topic_prefix: modbus
#   qos: 0
#   stats_interval: 10s
`

// Template returns a commented example device file.
func Template() []byte {
	return []byte(template)
}

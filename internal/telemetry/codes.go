package telemetry

// labelUnknown is reported for any code missing from a table.
const labelUnknown = "unknown"

var buttonCodes = map[int64]string{
	1:   "single",
	2:   "double",
	3:   "triple",
	4:   "quadruple",
	5:   "quintuple",
	16:  "hold",
	17:  "release",
	18:  "shake",
	20:  "reversing_rotate",
	21:  "hold_rotate",
	22:  "clockwise",
	23:  "counterclockwise",
	24:  "hold_clockwise",
	25:  "hold_counterclockwise",
	26:  "rotate",
	27:  "hold_rotate",
	128: "many",
}

var buttonBothCodes = map[int64]string{
	4:  "single",
	5:  "double",
	6:  "triple",
	16: "hold",
	17: "release",
}

var vibrationCodes = map[int64]string{
	1: "vibration",
	2: "tilt",
	3: "free_fall",
}

var cubeCodes = map[int64]string{
	0:  "flip90",
	1:  "flip180",
	2:  "move",
	3:  "knock",
	4:  "quadruple",
	16: "rotate",
	20: "shock",
	28: "hold",
}

// cubeNames covers gateways that report cube actions by name.
var cubeNames = map[string]string{
	"move":      "move",
	"flip90":    "flip90",
	"flip180":   "flip180",
	"rotate":    "rotate",
	"alert":     "alert",
	"shake_air": "shock",
	"tap_twice": "knock",
}

func lookupCode(table map[int64]string, code any) string {
	n, ok := toInt(code)
	if !ok {
		return labelUnknown
	}
	if label, ok := table[n]; ok {
		return label
	}
	return labelUnknown
}

func cubeLabel(code any) string {
	if s, ok := code.(string); ok {
		if label, ok := cubeNames[s]; ok {
			return label
		}
	}
	return lookupCode(cubeCodes, code)
}

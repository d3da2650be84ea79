package driver

// ST3215 control table addresses (RAM area).
const (
	regTorqueEnable    byte = 40
	regAcceleration    byte = 41
	regGoalPosition    byte = 42 // 2 bytes, followed by time(2) and speed(2)
	regGoalSpeed       byte = 46 // 2 bytes
	regPresentPosition byte = 56 // 2 bytes
	regPresentVoltage  byte = 62 // decivolts
	regPresentTemp     byte = 63 // degrees Celsius
	regMoving          byte = 66
	regPresentCurrent  byte = 69 // 2 bytes, 6.5 mA per count
)

// currentScaleMA converts a raw present-current count to milliamps.
const currentScaleMA = 6.5

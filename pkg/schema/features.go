package schema

// PlantFeatures lists the sensor and actuator columns of the six process
// modules in the order every model consumes them.
var PlantFeatures = []string{
	// Mixer
	"Mixer/OpenDumpValve", "Mixer/Level", "Mixer/Temperature", "Mixer/OpenOutlet",
	"Mixer/Fill1On", "Mixer/Fill2On", "Mixer/Fill3On", "Mixer/Fill4On", "Mixer/Fill5On",
	"Mixer/TurnMixerOn", "Mixer/MixerIsOn", "Mixer/InFlowMix", "Mixer/OutFlowMix",

	// Pasteurizer
	"Pasteurizer/OpenDumpValve", "Pasteurizer/Level", "Pasteurizer/OpenOutlet",
	"Pasteurizer/HeaterOn", "Pasteurizer/Temperature", "Pasteurizer/CoolerOn",
	"Pasteurizer/InFlowMix", "Pasteurizer/OutFlowMix",

	// Homogenizer
	"Homogenizer/ParticleSize", "Homogenizer/HomogenizerOn",
	"Homogenizer/Valve1/InFlowMix", "Homogenizer/Valve2/OutFlowMix",

	// AgeingCooling
	"AgeingCooling/OpenDumpValve", "AgeingCooling/Level", "AgeingCooling/Temperature",
	"AgeingCooling/InFlowMix", "AgeingCooling/OpenOutlet", "AgeingCooling/AgeingCoolingOn",
	"AgeingCooling/OutFlowMix",

	// DynamicFreezer
	"DynamicFreezer/OpenDumpValve", "DynamicFreezer/Level", "DynamicFreezer/OpenOutlet",
	"DynamicFreezer/HeaterOn", "DynamicFreezer/Temperature", "DynamicFreezer/SolidFlavoringOn",
	"DynamicFreezer/LiquidFlavoringOn", "DynamicFreezer/FreezerOn", "DynamicFreezer/DasherOn",
	"DynamicFreezer/Overrun", "DynamicFreezer/SendTestValues", "DynamicFreezer/ParticleSize",
	"DynamicFreezer/BarrelRotationSpeed", "DynamicFreezer/PasteurizationUnits",
	"DynamicFreezer/InFlowMix", "DynamicFreezer/OutFlowMix",

	// Hardening
	"Hardening/Packages", "Hardening/OpenDumpValve", "Hardening/Temperature",
	"Hardening/HardeningOn", "Hardening/FinishBatchOn", "Hardening/InFlowMix",
}

// Default returns the plant schema.
func Default() *Schema {
	return MustNew(PlantFeatures)
}
